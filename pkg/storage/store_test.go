// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

func setupStoreDir(t *testing.T) string {
	filePath, err := ioutil.TempFile("", "store")

	if err != nil {
		t.Fatal(err)
	} else {
		os.Remove(filePath.Name())
	}

	return filePath.Name()
}

func TestStoreAccounts(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	items := []AccountItem{
		{
			Id:         "peer-b",
			Address:    "g.peerb",
			AssetCode:  "XRP",
			AssetScale: 9,
			Relation:   "peer",
			Auth:       "token-b",
			Endpoint:   "ws://peerb.example:8001/ilp",
		},
		{
			Id:         "shop",
			Address:    "g.connie.shop",
			AssetCode:  "XRP",
			AssetScale: 9,
			Relation:   "non-routing",
			Auth:       "token-shop",
		},
	}
	for _, item := range items {
		if err := store.UpsertAccount(item); err != nil {
			t.Fatal(err)
		}
	}

	if account, ok := store.Account("peer-b"); !ok {
		t.Fatal("peer-b was not found")
	} else if account.Address.String() != "g.peerb" || account.Relation != routing.Peer {
		t.Fatalf("peer-b came back wrong: %v", account)
	}

	if _, ok := store.Account("nobody"); ok {
		t.Fatal("an unknown account was found")
	}

	if account, ok := store.AccountByToken("token-shop"); !ok {
		t.Fatal("token-shop resolved to nobody")
	} else if account.ID != "shop" {
		t.Fatalf("token-shop resolved to %q", account.ID)
	}

	if _, ok := store.AccountByToken("bogus"); ok {
		t.Fatal("a bogus token resolved to an account")
	}

	if accounts := store.RoutingAccounts(); len(accounts) != 1 || accounts[0].ID != "peer-b" {
		t.Fatalf("expected only peer-b to be routing, got %v", accounts)
	}

	if err := store.DeleteAccount("shop"); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Account("shop"); ok {
		t.Fatal("deleted account was found")
	}
	if err := store.DeleteAccount("shop"); err != nil {
		t.Fatal(err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreRoutes(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	routesIn := []routing.Route{
		{
			Prefix:      ilp.MustParseAddress("g.east"),
			NextHop:     "peer-b",
			Owner:       "peer-b",
			PathLength:  2,
			AssetCode:   "XRP",
			AssetScale:  9,
			Relation:    routing.Peer,
			ConfirmedAt: time.Now().Truncate(time.Second),
		},
		{
			Prefix:     ilp.MustParseAddress("g.west"),
			NextHop:    "parent-a",
			Owner:      "parent-a",
			PathLength: 1,
			Relation:   routing.Parent,
		},
	}
	for _, route := range routesIn {
		if err := store.SaveRoute(route); err != nil {
			t.Fatal(err)
		}
	}

	if routes, err := store.Routes(); err != nil {
		t.Fatal(err)
	} else if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	} else {
		byPrefix := map[string]routing.Route{}
		for _, route := range routes {
			byPrefix[route.Prefix.String()] = route
		}

		east := byPrefix["g.east"]
		if east.NextHop != "peer-b" || east.PathLength != 2 || east.Relation != routing.Peer {
			t.Fatalf("g.east came back wrong: %v", east)
		}
	}

	// overwriting the same prefix must not create a second row
	update := routesIn[0]
	update.PathLength = 5
	if err := store.SaveRoute(update); err != nil {
		t.Fatal(err)
	}
	if routes, err := store.Routes(); err != nil {
		t.Fatal(err)
	} else if len(routes) != 2 {
		t.Fatalf("expected 2 routes after update, got %d", len(routes))
	}

	if err := store.RemoveRoutesFor("peer-b"); err != nil {
		t.Fatal(err)
	}
	if routes, err := store.Routes(); err != nil {
		t.Fatal(err)
	} else if len(routes) != 1 || routes[0].Prefix.String() != "g.west" {
		t.Fatalf("expected only g.west to survive, got %v", routes)
	}

	if err := store.RemoveRoute(ilp.MustParseAddress("g.west")); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveRoute(ilp.MustParseAddress("g.west")); err != nil {
		t.Fatal(err)
	}
	if routes, err := store.Routes(); err != nil {
		t.Fatal(err)
	} else if len(routes) != 0 {
		t.Fatalf("expected no routes, got %v", routes)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}
