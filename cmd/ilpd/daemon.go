// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilp4/ilpd/pkg/api"
	"github.com/ilp4/ilpd/pkg/ccp"
	"github.com/ilp4/ilpd/pkg/connector"
	"github.com/ilp4/ilpd/pkg/ildcp"
	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/link"
	"github.com/ilp4/ilpd/pkg/routing"
	"github.com/ilp4/ilpd/pkg/settlement"
	"github.com/ilp4/ilpd/pkg/storage"
)

const routePersistInterval = 30 * time.Second

// routingEvents forwards link lifecycle notifications to the route
// synchronization Manager. The target is set before any link is started.
type routingEvents struct {
	target link.Events
}

func (re *routingEvents) PeerAppeared(peer string) {
	if re.target != nil {
		re.target.PeerAppeared(peer)
	}
}

func (re *routingEvents) PeerDisappeared(peer string) {
	if re.target != nil {
		re.target.PeerDisappeared(peer)
	}
}

// daemon bundles the connector's running parts for a clean shutdown.
type daemon struct {
	store *storage.Store
	table *routing.Table
	links *link.Manager
	sync  *ccp.Manager

	peerServer  *http.Server
	adminServer *http.Server

	stopSyn chan struct{}
	stopAck chan struct{}
}

// newDaemon wires storage, routing table, forwarding pipeline, route
// synchronization and the link layer together and starts them.
func newDaemon(conf tomlConfig) (d *daemon, err error) {
	self, err := ilp.ParseAddress(conf.Node.Address)
	if err != nil {
		return nil, err
	}

	hopMargin := time.Second
	if conf.Node.HopMargin != "" {
		if hopMargin, err = time.ParseDuration(conf.Node.HopMargin); err != nil {
			return nil, err
		}
	}

	store, err := storage.NewStore(conf.Node.Store)
	if err != nil {
		return nil, err
	}

	// the configuration is authoritative for peers at boot
	for _, peer := range conf.Peer {
		item, itemErr := accountItem(peer)
		if itemErr != nil {
			store.Close()
			return nil, itemErr
		}
		if upsertErr := store.UpsertAccount(item); upsertErr != nil {
			store.Close()
			return nil, upsertErr
		}
	}

	table := routing.NewTable()

	// warm start from persisted routes; local routes are rebuilt below
	if routes, routesErr := store.Routes(); routesErr != nil {
		log.WithError(routesErr).Warn("Failed to restore persisted routes")
	} else {
		for _, route := range routes {
			if route.Owner != routing.LocalOwner {
				table.InsertOrUpdate(route)
			}
		}
	}

	if err = insertLocalRoutes(table, store, conf); err != nil {
		store.Close()
		return nil, err
	}

	events := &routingEvents{}
	links := link.NewManager(events)
	sender := connector.NewLinkSender(self, links)

	syncManager := ccp.NewManager(self, table, store, sender)
	events.target = syncManager

	core := connector.NewConnector(self, table, store, sender,
		connector.SpreadPolicy{SpreadBps: conf.Node.SpreadBps}, hopMargin)
	core.RegisterLocal(ccp.AddressPrefix, syncManager)
	core.RegisterLocal(ildcp.AddressConfig, ildcp.NewServer(self))

	var engine settlement.Engine = settlement.NopEngine{}
	if conf.Settlement.Engine != "" {
		engine = settlement.NewHTTPEngine(conf.Settlement.Engine)
	}

	stages := []connector.Middleware{
		connector.Logging(),
		connector.ExpiryCheck(self),
	}
	if conf.Node.RateLimit > 0 {
		stages = append(stages, connector.RateLimit(self, conf.Node.RateLimit))
	}
	stages = append(stages, connector.Accounting(engine))

	pipeline := connector.Chain(core, stages...)
	receiver := connector.NewLinkReceiver(self, store, pipeline)

	d = &daemon{
		store: store,
		table: table,
		links: links,
		sync:  syncManager,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	if conf.Node.Listen != "" {
		authenticate := func(token string) (string, bool) {
			account, ok := store.AccountByToken(token)
			return account.ID, ok
		}

		mux := http.NewServeMux()
		mux.Handle("/ilp", link.NewWebsocketListener(links, receiver, authenticate))

		d.peerServer = &http.Server{Addr: conf.Node.Listen, Handler: mux}
		go serve("peer listener", d.peerServer)
	}

	if conf.Admin.Listen != "" {
		d.adminServer = &http.Server{
			Addr:    conf.Admin.Listen,
			Handler: api.NewServer(self, table, store, links.Connected),
		}
		go serve("admin endpoint", d.adminServer)
	}

	for _, peer := range conf.Peer {
		if peer.Endpoint == "" {
			continue
		}

		id, endpoint, token := peer.Id, peer.Endpoint, peer.Token
		links.Supervise(id, func(ctx context.Context) (link.Link, error) {
			return link.DialWebsocket(ctx, id, endpoint, token, receiver)
		})
	}

	syncManager.Start()
	go d.persistRoutes()

	log.WithFields(log.Fields{
		"address": self,
		"peers":   len(conf.Peer),
	}).Info("Connector is up")

	return d, nil
}

// insertLocalRoutes seeds the table with this node's own advertisements:
// one route per child account plus the statically configured prefixes.
func insertLocalRoutes(table *routing.Table, store *storage.Store, conf tomlConfig) error {
	now := time.Now()

	for _, account := range store.RoutingAccounts() {
		if account.Relation != routing.Child {
			continue
		}

		table.InsertOrUpdate(routing.Route{
			Prefix:      account.Address,
			NextHop:     account.ID,
			Owner:       routing.LocalOwner,
			AssetCode:   account.AssetCode,
			AssetScale:  account.AssetScale,
			Relation:    routing.Local,
			ConfirmedAt: now,
		})
	}

	for _, route := range conf.Route {
		prefix, err := ilp.ParseAddress(route.Prefix)
		if err != nil {
			return err
		}
		account, ok := store.Account(route.Peer)
		if !ok {
			log.WithFields(log.Fields{
				"prefix": route.Prefix,
				"peer":   route.Peer,
			}).Warn("Static route points at an unknown peer")
			continue
		}

		table.InsertOrUpdate(routing.Route{
			Prefix:      prefix,
			NextHop:     account.ID,
			Owner:       routing.LocalOwner,
			AssetCode:   account.AssetCode,
			AssetScale:  account.AssetScale,
			Relation:    routing.Local,
			ConfirmedAt: now,
		})
	}
	return nil
}

func serve(name string, server *http.Server) {
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithField("server", name).WithError(err).Error("HTTP server failed")
	}
}

// persistRoutes periodically mirrors the routing table into the store, so a
// restart comes back with a warm table.
func (d *daemon) persistRoutes() {
	defer close(d.stopAck)

	ticker := time.NewTicker(routePersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopSyn:
			return
		case <-ticker.C:
			d.persistRoutesOnce()
		}
	}
}

func (d *daemon) persistRoutesOnce() {
	stored, err := d.store.Routes()
	if err != nil {
		log.WithError(err).Warn("Failed to read persisted routes")
		return
	}

	current := make(map[string]struct{})
	for _, route := range d.table.Snapshot() {
		current[route.Prefix.String()] = struct{}{}
		if err := d.store.SaveRoute(route); err != nil {
			log.WithField("prefix", route.Prefix).WithError(err).Warn("Failed to persist route")
		}
	}

	for _, route := range stored {
		if _, ok := current[route.Prefix.String()]; !ok {
			if err := d.store.RemoveRoute(route.Prefix); err != nil {
				log.WithField("prefix", route.Prefix).WithError(err).Warn("Failed to drop stale route")
			}
		}
	}
}

// Close shuts the daemon down in dependency order: links first, so no new
// packets arrive, then the sync loop, the servers and finally the store.
func (d *daemon) Close() {
	close(d.stopSyn)
	<-d.stopAck

	d.links.Close()
	d.sync.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.peerServer != nil {
		_ = d.peerServer.Shutdown(shutdownCtx)
	}
	if d.adminServer != nil {
		_ = d.adminServer.Shutdown(shutdownCtx)
	}

	if err := d.store.Close(); err != nil {
		log.WithError(err).Warn("Failed to close the store")
	}
}
