// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists peer accounts and learned routes, so a restarted
// connector comes back up with its peers and a warm routing table instead of
// waiting for the next full route synchronization round.
package storage

import (
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/ilp4/ilpd/pkg/connector"
	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

const dirBadger string = "db"

// AccountItem is the persisted form of a peer account, together with the
// link endpoint to dial for it.
type AccountItem struct {
	Id string `badgerhold:"key"`

	Address    string
	AssetCode  string
	AssetScale uint8
	Relation   string
	Auth       string `badgerholdIndex:"Auth"`

	// Endpoint to dial for an outgoing link; empty for listen-only peers.
	Endpoint string
}

// RouteItem is one learned route, persisted on change.
type RouteItem struct {
	Prefix string `badgerhold:"key"`

	NextHop    string `badgerholdIndex:"NextHop"`
	Owner      string
	PathLength uint32
	AssetCode  string
	AssetScale uint8
	Auth       []byte
	Relation   string

	ConfirmedAt time.Time
}

// Store implements a storage for accounts and routes.
type Store struct {
	bh *badgerhold.Store
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{bh: bh}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// UpsertAccount stores or replaces an account.
func (s *Store) UpsertAccount(item AccountItem) error {
	return s.bh.Upsert(item.Id, item)
}

// DeleteAccount removes an account; unknown ids are not an error.
func (s *Store) DeleteAccount(id string) error {
	if err := s.bh.Delete(id, AccountItem{}); err != nil && err != badgerhold.ErrNotFound {
		return err
	}
	return nil
}

// AccountItems fetches all stored accounts.
func (s *Store) AccountItems() (items []AccountItem, err error) {
	err = s.bh.Find(&items, nil)
	return
}

// AccountItem fetches one account by its id.
func (s *Store) AccountItem(id string) (item AccountItem, err error) {
	err = s.bh.Get(id, &item)
	return
}

// accountFromItem rebuilds the in-memory account; items with a broken
// address or relation are dropped with a warning instead of poisoning the
// packet path.
func accountFromItem(item AccountItem) (account connector.Account, ok bool) {
	address, addrErr := ilp.ParseAddress(item.Address)
	if addrErr != nil {
		log.WithFields(log.Fields{
			"account": item.Id,
			"address": item.Address,
		}).WithError(addrErr).Warn("Stored account carries an invalid address")
		return
	}

	relation, relErr := routing.ParseRelation(item.Relation)
	if relErr != nil {
		log.WithFields(log.Fields{
			"account":  item.Id,
			"relation": item.Relation,
		}).WithError(relErr).Warn("Stored account carries an invalid relation")
		return
	}

	account = connector.Account{
		ID:         item.Id,
		Address:    address,
		AssetCode:  item.AssetCode,
		AssetScale: item.AssetScale,
		Relation:   relation,
		Auth:       item.Auth,
	}
	return account, true
}

// Account resolves one peer account by its id.
func (s *Store) Account(id string) (connector.Account, bool) {
	item, err := s.AccountItem(id)
	if err != nil {
		return connector.Account{}, false
	}
	return accountFromItem(item)
}

// AccountByToken resolves the peer presenting this auth token, used when
// accepting inbound links. An ambiguous token resolves to nobody.
func (s *Store) AccountByToken(token string) (connector.Account, bool) {
	var items []AccountItem
	if err := s.bh.Find(&items, badgerhold.Where("Auth").Eq(token).Index("Auth")); err != nil || len(items) != 1 {
		return connector.Account{}, false
	}
	return accountFromItem(items[0])
}

// RoutingAccounts enumerates the accounts participating in route
// synchronization.
func (s *Store) RoutingAccounts() (accounts []connector.Account) {
	items, err := s.AccountItems()
	if err != nil {
		log.WithError(err).Warn("Failed to enumerate accounts")
		return
	}

	for _, item := range items {
		if account, ok := accountFromItem(item); ok && account.Relation != routing.NonRouting {
			accounts = append(accounts, account)
		}
	}
	return
}

// SaveRoute stores or replaces the route for its prefix.
func (s *Store) SaveRoute(route routing.Route) error {
	item := RouteItem{
		Prefix:      route.Prefix.String(),
		NextHop:     route.NextHop,
		Owner:       route.Owner,
		PathLength:  route.PathLength,
		AssetCode:   route.AssetCode,
		AssetScale:  route.AssetScale,
		Auth:        route.Auth,
		Relation:    route.Relation.String(),
		ConfirmedAt: route.ConfirmedAt,
	}
	return s.bh.Upsert(item.Prefix, item)
}

// RemoveRoute deletes the route for a prefix; unknown prefixes are not an
// error.
func (s *Store) RemoveRoute(prefix ilp.Address) error {
	if err := s.bh.Delete(prefix.String(), RouteItem{}); err != nil && err != badgerhold.ErrNotFound {
		return err
	}
	return nil
}

// RemoveRoutesFor deletes every route pointing at the given next hop, used
// when a peer is gone for good.
func (s *Store) RemoveRoutesFor(nextHop string) error {
	err := s.bh.DeleteMatching(&RouteItem{},
		badgerhold.Where("NextHop").Eq(nextHop).Index("NextHop"))
	if err != nil && err != badgerhold.ErrNotFound {
		return err
	}
	return nil
}

// Routes fetches all persisted routes, skipping unparsable ones.
func (s *Store) Routes() (routes []routing.Route, err error) {
	var items []RouteItem
	if err = s.bh.Find(&items, nil); err != nil {
		return
	}

	for _, item := range items {
		prefix, addrErr := ilp.ParseAddress(item.Prefix)
		if addrErr != nil {
			log.WithField("prefix", item.Prefix).WithError(addrErr).Warn(
				"Stored route carries an invalid prefix")
			continue
		}

		relation, relErr := routing.ParseRelation(item.Relation)
		if relErr != nil {
			log.WithField("prefix", item.Prefix).WithError(relErr).Warn(
				"Stored route carries an invalid relation")
			continue
		}

		routes = append(routes, routing.Route{
			Prefix:      prefix,
			NextHop:     item.NextHop,
			Owner:       item.Owner,
			PathLength:  item.PathLength,
			AssetCode:   item.AssetCode,
			AssetScale:  item.AssetScale,
			Auth:        item.Auth,
			Relation:    relation,
			ConfirmedAt: item.ConfirmedAt,
		})
	}
	return
}
