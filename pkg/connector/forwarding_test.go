// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connector

import (
	"context"
	"testing"
	"time"

	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

type sentCall struct {
	peer    string
	prepare *ilp.Prepare
}

// fakeSender answers every Prepare with a canned response and records what
// was sent where.
type fakeSender struct {
	calls    []sentCall
	response ilp.Packet
	err      error
}

func (fs *fakeSender) SendPacket(_ context.Context, peer string, prepare *ilp.Prepare) (ilp.Packet, error) {
	fs.calls = append(fs.calls, sentCall{peer: peer, prepare: prepare})
	if fs.err != nil {
		return nil, fs.err
	}
	return fs.response, nil
}

func testAccounts() AccountMap {
	return AccountMap{
		"selfPeer": {ID: "selfPeer", Address: ilp.MustParseAddress("g.alice"), AssetCode: "XRP", AssetScale: 9, Relation: routing.Child},
		"peerX":    {ID: "peerX", Address: ilp.MustParseAddress("g.peerx"), AssetCode: "XRP", AssetScale: 9, Relation: routing.Peer},
		"upstream": {ID: "upstream", Address: ilp.MustParseAddress("g.up"), AssetCode: "XRP", AssetScale: 9, Relation: routing.Parent},
	}
}

func testConnector(sender PeerSender) (*Connector, *routing.Table) {
	table := routing.NewTable()
	self := ilp.MustParseAddress("g.connie")
	c := NewConnector(self, table, testAccounts(), sender, SpreadPolicy{}, time.Second)
	return c, table
}

func testPrepare(dest string, expiresIn time.Duration) (*ilp.Prepare, [32]byte) {
	fulfillment := [32]byte{1, 2, 3}
	prepare := &ilp.Prepare{
		Amount:             100,
		ExpiresAt:          time.Now().Add(expiresIn).Truncate(time.Millisecond),
		ExecutionCondition: ilp.Condition(fulfillment),
		Destination:        ilp.MustParseAddress(dest),
	}
	return prepare, fulfillment
}

func upstreamRequest(prepare *ilp.Prepare) Request {
	return Request{
		From:    testAccounts()["upstream"],
		Prepare: prepare,
	}
}

func TestForwardLongestPrefix(t *testing.T) {
	prepare, fulfillment := testPrepare("g.alice.123", 10*time.Second)
	sender := &fakeSender{response: &ilp.Fulfill{Fulfillment: fulfillment}}
	c, table := testConnector(sender)

	table.InsertOrUpdate(routing.Route{
		Prefix:   ilp.MustParseAddress("g.alice"),
		NextHop:  "selfPeer",
		Owner:    routing.LocalOwner,
		Relation: routing.Local,
	})
	table.InsertOrUpdate(routing.Route{
		Prefix:   ilp.MustParseAddress("g"),
		NextHop:  "peerX",
		Owner:    "peerX",
		Relation: routing.Peer,
	})

	response, err := c.HandlePacket(context.Background(), upstreamRequest(prepare))
	if err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}
	if response.Type() != ilp.TypeFulfill {
		t.Fatalf("expected a Fulfill, got %v", response)
	}

	if len(sender.calls) != 1 {
		t.Fatalf("expected one downstream call, got %d", len(sender.calls))
	}
	if sender.calls[0].peer != "selfPeer" {
		t.Errorf("forwarded to %q, expected the longest-prefix peer selfPeer", sender.calls[0].peer)
	}
}

func TestForwardNoRoute(t *testing.T) {
	prepare, _ := testPrepare("x.y", 10*time.Second)
	sender := &fakeSender{}
	c, _ := testConnector(sender)

	response, err := c.HandlePacket(context.Background(), upstreamRequest(prepare))
	if err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}

	reject, ok := response.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected a Reject, got %v", response)
	}
	if reject.Code != ilp.CodeF02Unreachable {
		t.Errorf("Reject code is %q, expected F02", reject.Code)
	}
	if reject.TriggeredBy.String() != "g.connie" {
		t.Errorf("Reject was triggered by %q", reject.TriggeredBy)
	}
	if len(sender.calls) != 0 {
		t.Error("unroutable packet was forwarded")
	}
}

func TestForwardExpiryShrinkage(t *testing.T) {
	prepare, fulfillment := testPrepare("g.bob", 10*time.Second)
	sender := &fakeSender{response: &ilp.Fulfill{Fulfillment: fulfillment}}
	c, table := testConnector(sender)
	table.InsertOrUpdate(routing.Route{
		Prefix:  ilp.MustParseAddress("g"),
		NextHop: "peerX",
		Owner:   "peerX",
	})

	if _, err := c.HandlePacket(context.Background(), upstreamRequest(prepare)); err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}

	if len(sender.calls) != 1 {
		t.Fatalf("expected one downstream call, got %d", len(sender.calls))
	}
	outgoing := sender.calls[0].prepare
	if outgoing == prepare {
		t.Error("the inbound Prepare was forwarded instead of a derived one")
	}
	if expected := prepare.ExpiresAt.Add(-time.Second); !outgoing.ExpiresAt.Equal(expected) {
		t.Errorf("outgoing expiry is %v, expected %v", outgoing.ExpiresAt, expected)
	}
}

func TestForwardInsufficientExpiry(t *testing.T) {
	// expires in 500ms, the hop margin is a full second
	prepare, _ := testPrepare("g.bob", 500*time.Millisecond)
	sender := &fakeSender{}
	c, table := testConnector(sender)
	table.InsertOrUpdate(routing.Route{
		Prefix:  ilp.MustParseAddress("g"),
		NextHop: "peerX",
		Owner:   "peerX",
	})

	response, err := c.HandlePacket(context.Background(), upstreamRequest(prepare))
	if err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}

	reject, ok := response.(*ilp.Reject)
	if !ok || reject.Code != ilp.CodeR02InsufficientTime {
		t.Fatalf("expected an R02 Reject, got %v", response)
	}
	if len(sender.calls) != 0 {
		t.Error("packet with insufficient expiry was forwarded")
	}
}

func TestForwardExpiredPacket(t *testing.T) {
	prepare, _ := testPrepare("g.bob", -time.Second)
	sender := &fakeSender{}
	c, table := testConnector(sender)
	table.InsertOrUpdate(routing.Route{
		Prefix:  ilp.MustParseAddress("g"),
		NextHop: "peerX",
		Owner:   "peerX",
	})

	response, err := c.HandlePacket(context.Background(), upstreamRequest(prepare))
	if err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}
	if reject, ok := response.(*ilp.Reject); !ok || reject.Code != ilp.CodeF01InvalidPacket {
		t.Fatalf("expected an F01 Reject, got %v", response)
	}
	if len(sender.calls) != 0 {
		t.Error("expired packet was forwarded")
	}
}

func TestForwardWrongFulfillment(t *testing.T) {
	prepare, _ := testPrepare("g.bob", 10*time.Second)
	sender := &fakeSender{response: &ilp.Fulfill{Fulfillment: [32]byte{0xbd}}}
	c, table := testConnector(sender)
	table.InsertOrUpdate(routing.Route{
		Prefix:  ilp.MustParseAddress("g"),
		NextHop: "peerX",
		Owner:   "peerX",
	})

	response, err := c.HandlePacket(context.Background(), upstreamRequest(prepare))
	if err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}

	reject, ok := response.(*ilp.Reject)
	if !ok {
		t.Fatalf("an invalid Fulfill was relayed upstream: %v", response)
	}
	if reject.Code != ilp.CodeF05WrongCondition {
		t.Errorf("Reject code is %q, expected F05", reject.Code)
	}
}

func TestForwardTimeout(t *testing.T) {
	prepare, _ := testPrepare("g.bob", 10*time.Second)
	sender := &fakeSender{err: context.DeadlineExceeded}
	c, table := testConnector(sender)
	table.InsertOrUpdate(routing.Route{
		Prefix:  ilp.MustParseAddress("g"),
		NextHop: "peerX",
		Owner:   "peerX",
	})

	response, err := c.HandlePacket(context.Background(), upstreamRequest(prepare))
	if err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}
	if reject, ok := response.(*ilp.Reject); !ok || reject.Code != ilp.CodeT00InternalError {
		t.Fatalf("expected a T00 Reject, got %v", response)
	}
}

func TestForwardRelaysReject(t *testing.T) {
	downstream := &ilp.Reject{
		Code:        ilp.CodeF02Unreachable,
		TriggeredBy: ilp.MustParseAddress("g.far.away"),
		Message:     "dead end",
	}
	prepare, _ := testPrepare("g.bob", 10*time.Second)
	sender := &fakeSender{response: downstream}
	c, table := testConnector(sender)
	table.InsertOrUpdate(routing.Route{
		Prefix:  ilp.MustParseAddress("g"),
		NextHop: "peerX",
		Owner:   "peerX",
	})

	response, err := c.HandlePacket(context.Background(), upstreamRequest(prepare))
	if err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}

	reject, ok := response.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected a Reject, got %v", response)
	}
	if reject.TriggeredBy.String() != "g.far.away" {
		t.Errorf("relayed Reject lost its originator: %v", reject.TriggeredBy)
	}
}

func TestLocalHandler(t *testing.T) {
	prepare, fulfillment := testPrepare("peer.route.update", 10*time.Second)
	sender := &fakeSender{}
	c, _ := testConnector(sender)

	c.RegisterLocal(ilp.MustParseAddress("peer.route"), HandlerFunc(
		func(ctx context.Context, req Request) (ilp.Packet, error) {
			return &ilp.Fulfill{Fulfillment: fulfillment}, nil
		}))

	response, err := c.HandlePacket(context.Background(), upstreamRequest(prepare))
	if err != nil {
		t.Fatalf("HandlePacket errored: %v", err)
	}
	if response.Type() != ilp.TypeFulfill {
		t.Fatalf("local handler was not invoked: %v", response)
	}
	if len(sender.calls) != 0 {
		t.Error("locally handled packet was forwarded")
	}
}
