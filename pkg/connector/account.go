// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connector

import (
	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

// Account describes a peer the connector exchanges packets with. Accounts
// are configured or persisted; the forwarding core and the route
// synchronization protocol only read them.
type Account struct {
	// ID is the stable peer identifier used as routing table owner and
	// link key.
	ID string

	// Address is the peer's own ILP address.
	Address ilp.Address

	AssetCode  string
	AssetScale uint8

	// Relation of this peer to the local node.
	Relation routing.Relation

	// Auth token expected from (or presented to) this peer on the link.
	Auth string
}

// ShouldSendRoutes reports whether route advertisements are sent to this
// peer: children and peers receive them, parents advertise to us instead.
func (a Account) ShouldSendRoutes() bool {
	return a.Relation == routing.Child || a.Relation == routing.Peer
}

// ShouldReceiveRoutes reports whether route advertisements from this peer
// are accepted.
func (a Account) ShouldReceiveRoutes() bool {
	return a.Relation == routing.Parent || a.Relation == routing.Peer
}

// Accounts resolves peer identifiers, backed by the store or by a plain map
// in tests.
type Accounts interface {
	Account(id string) (Account, bool)
}

// AccountMap is a static Accounts implementation.
type AccountMap map[string]Account

func (m AccountMap) Account(id string) (Account, bool) {
	account, ok := m[id]
	return account, ok
}
