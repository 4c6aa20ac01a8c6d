// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sort"
	"strings"
	"sync"

	"github.com/ilp4/ilpd/pkg/ilp"
)

// errNoRoute is a simple error-struct for failed lookups.
type errNoRoute struct {
	dest ilp.Address
}

func (e *errNoRoute) Error() string {
	return "no route for " + e.dest.String()
}

// ErrNoRoute matches lookup failures in errors.Is comparisons.
var ErrNoRoute error = &errNoRoute{}

func (e *errNoRoute) Is(target error) bool {
	_, ok := target.(*errNoRoute)
	return ok
}

// Table is the routing table, mapping address prefixes to Routes. All access
// goes through its methods; lookups from concurrent forwarding tasks run
// under a read lock while the route synchronization protocol applies each
// epoch's change set under a single write lock, so a reader never observes a
// half-applied update.
type Table struct {
	mutex  sync.RWMutex
	routes map[string]Route
}

// NewTable creates an empty routing Table.
func NewTable() *Table {
	return &Table{routes: make(map[string]Route)}
}

// Lookup finds the Route whose prefix is the longest prefix of destination,
// or an ErrNoRoute error. Prefixes of one destination are nested, so the
// longest match is found by dropping destination segments right to left.
func (t *Table) Lookup(destination ilp.Address) (Route, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	segments := destination.Segments()
	for i := len(segments); i > 0; i-- {
		if route, ok := t.routes[strings.Join(segments[:i], ".")]; ok {
			return route, nil
		}
	}

	return Route{}, &errNoRoute{dest: destination}
}

// InsertOrUpdate stores a Route, replacing any previous entry for the same
// prefix. Epoch ordering is the caller's concern: the route synchronization
// protocol only calls this in the order the owning peer's epochs imply.
func (t *Table) InsertOrUpdate(route Route) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.routes[route.Prefix.String()] = route
}

// Withdraw removes the entry for prefix if it is owned by owner and reports
// whether an entry was removed. A peer cannot withdraw another peer's
// advertisement, and no remote peer can withdraw a LocalOwner route.
func (t *Table) Withdraw(prefix ilp.Address, owner string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.withdrawLocked(prefix, owner)
}

func (t *Table) withdrawLocked(prefix ilp.Address, owner string) bool {
	route, ok := t.routes[prefix.String()]
	if !ok || route.Owner != owner {
		return false
	}

	delete(t.routes, prefix.String())
	return true
}

// Apply performs one epoch's change set atomically: all updates and
// withdrawals become visible to readers at once. Withdrawals are
// owner-checked like Withdraw.
func (t *Table) Apply(owner string, updates []Route, withdrawals []ilp.Address) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, route := range updates {
		t.routes[route.Prefix.String()] = route
	}
	for _, prefix := range withdrawals {
		t.withdrawLocked(prefix, owner)
	}
}

// DropOwner removes every Route owned by the given peer, returning the
// withdrawn prefixes. Used when a peer disconnects or is marked unreachable.
func (t *Table) DropOwner(owner string) []ilp.Address {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var dropped []ilp.Address
	for key, route := range t.routes {
		if route.Owner == owner {
			dropped = append(dropped, route.Prefix)
			delete(t.routes, key)
		}
	}

	sort.Slice(dropped, func(i, j int) bool {
		return dropped[i].String() < dropped[j].String()
	})
	return dropped
}

// Snapshot returns all Routes ordered by prefix, for building deterministic
// advertisements.
func (t *Table) Snapshot() []Route {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	routes := make([]Route, 0, len(t.routes))
	for _, route := range t.routes {
		routes = append(routes, route)
	}

	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Prefix.String() < routes[j].Prefix.String()
	})
	return routes
}

// Get returns the Route stored for an exact prefix.
func (t *Table) Get(prefix ilp.Address) (Route, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	route, ok := t.routes[prefix.String()]
	return route, ok
}

// Len returns the number of table entries.
func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return len(t.routes)
}
