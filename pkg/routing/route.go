// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package routing owns the connector's routing table: the mapping from
// address prefixes to next-hop peers, with longest-prefix lookup for the
// forwarding path and owner-checked updates for the route synchronization
// protocol.
package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilp4/ilpd/pkg/ilp"
)

// LocalOwner is the synthetic peer owning statically configured routes.
// Remote peers can never withdraw a route owned by it.
const LocalOwner = "self"

// Relation classifies a neighboring connector relative to this node. The
// relation steers route preference and loop avoidance: routes learned from a
// parent win over routes learned from peers or children, and routes learned
// from a parent are never advertised back to that parent.
type Relation uint8

const (
	// NonRouting accounts neither send us routes nor receive ours.
	NonRouting Relation = iota
	Parent
	Peer
	Child
	// Local marks routes of the synthetic self peer.
	Local
)

func (r Relation) String() string {
	switch r {
	case NonRouting:
		return "non-routing"
	case Parent:
		return "parent"
	case Peer:
		return "peer"
	case Child:
		return "child"
	case Local:
		return "local"
	default:
		return fmt.Sprintf("Relation(%d)", uint8(r))
	}
}

// ParseRelation parses a Relation's configuration string.
func ParseRelation(s string) (Relation, error) {
	switch strings.ToLower(s) {
	case "non-routing", "nonrouting":
		return NonRouting, nil
	case "parent":
		return Parent, nil
	case "peer":
		return Peer, nil
	case "child":
		return Child, nil
	case "local":
		return Local, nil
	default:
		return NonRouting, fmt.Errorf("unknown routing relation %q", s)
	}
}

// preference orders relations for route selection; greater wins.
func (r Relation) preference() int {
	switch r {
	case Local:
		return 3
	case Parent:
		return 2
	case Peer:
		return 1
	default:
		return 0
	}
}

// Route is one routing table entry: packets whose destination matches Prefix
// are forwarded to the NextHop peer. The remaining fields are the path
// metadata carried by route advertisements.
type Route struct {
	Prefix  ilp.Address
	NextHop string

	// Owner is the peer whose advertisement created this entry, or
	// LocalOwner for configured routes. Only the owner may withdraw or
	// replace the entry through route synchronization.
	Owner string

	PathLength uint32
	AssetCode  string
	AssetScale uint8
	Auth       []byte

	// Relation of the peer the route was learned from, Local for
	// configured routes.
	Relation Relation

	// ConfirmedAt is the last time the advertising peer confirmed this
	// route, used as the first lookup tie-break.
	ConfirmedAt time.Time
}

// Better reports whether this Route should replace other for the same
// prefix: higher relation preference first, then shorter advertised path,
// then the lexicographically smaller next hop for determinism.
func (r Route) Better(other Route) bool {
	if p, q := r.Relation.preference(), other.Relation.preference(); p != q {
		return p > q
	}
	if r.PathLength != other.PathLength {
		return r.PathLength < other.PathLength
	}
	return r.NextHop < other.NextHop
}
