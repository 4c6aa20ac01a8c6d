// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api exposes a read-only HTTP view of the connector's state for
// operators: the routing table, the configured peers and their link status.
// It never mutates anything; peering changes go through the configuration.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/ilp4/ilpd/pkg/connector"
	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

// RouteSource provides the current routing table state.
type RouteSource interface {
	Snapshot() []routing.Route
}

// AccountSource enumerates the configured peer accounts.
type AccountSource interface {
	RoutingAccounts() []connector.Account
}

// Server is the read-only admin endpoint.
type Server struct {
	router *mux.Router

	self    ilp.Address
	started time.Time

	routes    RouteSource
	accounts  AccountSource
	connected func(peer string) bool
}

// NewServer wires the admin endpoint to its data sources. The connected
// callback reports a peer's link state.
func NewServer(self ilp.Address, routes RouteSource, accounts AccountSource, connected func(string) bool) *Server {
	s := &Server{
		router: mux.NewRouter(),

		self:    self,
		started: time.Now(),

		routes:    routes,
		accounts:  accounts,
		connected: connected,
	}

	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	s.router.HandleFunc("/accounts", s.handleAccounts).Methods(http.MethodGet)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Warn("Failed to write admin response")
	}
}

type statusResponse struct {
	Address  string `json:"address"`
	Uptime   string `json:"uptime"`
	Routes   int    `json:"routes"`
	Accounts int    `json:"accounts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, statusResponse{
		Address:  s.self.String(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Routes:   len(s.routes.Snapshot()),
		Accounts: len(s.accounts.RoutingAccounts()),
	})
}

type routeResponse struct {
	Prefix      string    `json:"prefix"`
	NextHop     string    `json:"nextHop"`
	Owner       string    `json:"owner"`
	PathLength  uint32    `json:"pathLength"`
	Relation    string    `json:"relation"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.routes.Snapshot()

	routes := make([]routeResponse, 0, len(snapshot))
	for _, route := range snapshot {
		routes = append(routes, routeResponse{
			Prefix:      route.Prefix.String(),
			NextHop:     route.NextHop,
			Owner:       route.Owner,
			PathLength:  route.PathLength,
			Relation:    route.Relation.String(),
			ConfirmedAt: route.ConfirmedAt,
		})
	}
	writeJSON(w, routes)
}

// accountResponse deliberately omits the auth token.
type accountResponse struct {
	Id         string `json:"id"`
	Address    string `json:"address"`
	AssetCode  string `json:"assetCode"`
	AssetScale uint8  `json:"assetScale"`
	Relation   string `json:"relation"`
	Connected  bool   `json:"connected"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	all := s.accounts.RoutingAccounts()

	accounts := make([]accountResponse, 0, len(all))
	for _, account := range all {
		accounts = append(accounts, accountResponse{
			Id:         account.ID,
			Address:    account.Address.String(),
			AssetCode:  account.AssetCode,
			AssetScale: account.AssetScale,
			Relation:   account.Relation.String(),
			Connected:  s.connected(account.ID),
		})
	}
	writeJSON(w, accounts)
}
