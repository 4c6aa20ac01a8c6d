// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ilp4/ilpd/pkg/ilp"
)

func testRoute(prefix, nextHop string) Route {
	return Route{
		Prefix:   ilp.MustParseAddress(prefix),
		NextHop:  nextHop,
		Owner:    nextHop,
		Relation: Peer,
	}
}

func TestTableLongestPrefix(t *testing.T) {
	table := NewTable()
	table.InsertOrUpdate(testRoute("a", "r1"))
	table.InsertOrUpdate(testRoute("a.b", "r2"))

	tests := []struct {
		dest    string
		nextHop string
		noRoute bool
	}{
		{dest: "a.b.c", nextHop: "r2"},
		{dest: "a.b", nextHop: "r2"},
		{dest: "a.c", nextHop: "r1"},
		{dest: "a", nextHop: "r1"},
		{dest: "x.y", noRoute: true},
		{dest: "ab", noRoute: true},
	}

	for _, tt := range tests {
		route, err := table.Lookup(ilp.MustParseAddress(tt.dest))
		if tt.noRoute {
			if !errors.Is(err, ErrNoRoute) {
				t.Errorf("Lookup(%q) = (%v, %v), expected no route", tt.dest, route, err)
			}
			continue
		}

		if err != nil {
			t.Errorf("Lookup(%q) errored: %v", tt.dest, err)
		} else if route.NextHop != tt.nextHop {
			t.Errorf("Lookup(%q) chose %q, expected %q", tt.dest, route.NextHop, tt.nextHop)
		}
	}
}

func TestTableWithdrawOwner(t *testing.T) {
	table := NewTable()

	local := testRoute("g.alice", "peerA")
	local.Owner = LocalOwner
	local.Relation = Local
	table.InsertOrUpdate(local)
	table.InsertOrUpdate(testRoute("g.bob", "peerB"))

	if table.Withdraw(ilp.MustParseAddress("g.bob"), "peerC") {
		t.Error("peerC withdrew peerB's route")
	}
	if !table.Withdraw(ilp.MustParseAddress("g.bob"), "peerB") {
		t.Error("peerB could not withdraw its own route")
	}

	if table.Withdraw(ilp.MustParseAddress("g.alice"), "peerA") {
		t.Error("remote peer withdrew a local route")
	}
	if _, ok := table.Get(ilp.MustParseAddress("g.alice")); !ok {
		t.Error("local route disappeared")
	}
}

func TestTableDropOwner(t *testing.T) {
	table := NewTable()
	table.InsertOrUpdate(testRoute("g.one", "peerA"))
	table.InsertOrUpdate(testRoute("g.two", "peerA"))
	table.InsertOrUpdate(testRoute("g.three", "peerB"))

	dropped := table.DropOwner("peerA")
	if len(dropped) != 2 || dropped[0].String() != "g.one" || dropped[1].String() != "g.two" {
		t.Errorf("unexpected dropped prefixes: %v", dropped)
	}
	if table.Len() != 1 {
		t.Errorf("table has %d entries, expected 1", table.Len())
	}
}

func TestTableSnapshotOrder(t *testing.T) {
	table := NewTable()
	for _, prefix := range []string{"g.z", "g.a", "g.m", "a"} {
		table.InsertOrUpdate(testRoute(prefix, "peer"))
	}

	snapshot := table.Snapshot()
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i-1].Prefix.String() >= snapshot[i].Prefix.String() {
			t.Fatalf("snapshot is not ordered: %v", snapshot)
		}
	}
}

func TestTableConcurrentAccess(t *testing.T) {
	table := NewTable()
	table.InsertOrUpdate(testRoute("g", "peerA"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				prefix := fmt.Sprintf("g.n%d", n)
				table.Apply("peerB", []Route{testRoute(prefix, "peerB")}, nil)
				if _, err := table.Lookup(ilp.MustParseAddress(prefix + ".x")); err != nil {
					t.Errorf("lookup failed after apply: %v", err)
					return
				}
				table.Withdraw(ilp.MustParseAddress(prefix), "peerB")
			}
		}(i)
	}
	wg.Wait()
}

func TestRouteBetter(t *testing.T) {
	parent := Route{Relation: Parent, PathLength: 5, NextHop: "p"}
	peerShort := Route{Relation: Peer, PathLength: 1, NextHop: "q"}
	peerLong := Route{Relation: Peer, PathLength: 3, NextHop: "r"}

	if !parent.Better(peerShort) {
		t.Error("parent route did not win over peer route")
	}
	if !peerShort.Better(peerLong) {
		t.Error("shorter path did not win within the same relation")
	}
	if peerLong.Better(parent) {
		t.Error("peer route won over parent route")
	}
}
