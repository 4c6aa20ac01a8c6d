// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ilp4/ilpd/pkg/connector"
	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

type staticAccounts []connector.Account

func (a staticAccounts) RoutingAccounts() []connector.Account {
	return a
}

func testServer() *Server {
	table := routing.NewTable()
	table.InsertOrUpdate(routing.Route{
		Prefix:   ilp.MustParseAddress("g.east"),
		NextHop:  "peer-b",
		Owner:    "peer-b",
		Relation: routing.Peer,
	})

	accounts := staticAccounts{{
		ID:       "peer-b",
		Address:  ilp.MustParseAddress("g.peerb"),
		Relation: routing.Peer,
		Auth:     "secret-token",
	}}

	connected := func(peer string) bool { return peer == "peer-b" }

	return NewServer(ilp.MustParseAddress("g.connie"), table, accounts, connected)
}

func get(t *testing.T, server *Server, path string, into interface{}) {
	t.Helper()

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("GET %s returned %d", path, recorder.Code)
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), into); err != nil {
		t.Fatalf("decoding GET %s failed: %v", path, err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	var status statusResponse
	get(t, testServer(), "/status", &status)

	if status.Address != "g.connie" || status.Routes != 1 || status.Accounts != 1 {
		t.Fatalf("unexpected status %v", status)
	}
}

func TestRoutesEndpoint(t *testing.T) {
	var routes []routeResponse
	get(t, testServer(), "/routes", &routes)

	if len(routes) != 1 || routes[0].Prefix != "g.east" || routes[0].NextHop != "peer-b" {
		t.Fatalf("unexpected routes %v", routes)
	}
}

func TestAccountsEndpointHidesToken(t *testing.T) {
	server := testServer()

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/accounts", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("GET /accounts returned %d", recorder.Code)
	}

	body := recorder.Body.String()
	if len(body) == 0 {
		t.Fatal("empty response")
	}
	for _, forbidden := range []string{"secret-token", "auth"} {
		if strings.Contains(strings.ToLower(body), forbidden) {
			t.Fatalf("response leaks %q: %s", forbidden, body)
		}
	}

	var accounts []accountResponse
	if err := json.Unmarshal([]byte(body), &accounts); err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].Id != "peer-b" || !accounts[0].Connected {
		t.Fatalf("unexpected accounts %v", accounts)
	}
}

func TestWriteMethodsRefused(t *testing.T) {
	server := testServer()

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/routes", nil))

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /routes returned %d, expected %d", recorder.Code, http.StatusMethodNotAllowed)
	}
}
