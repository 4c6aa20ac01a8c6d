// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ccp

import (
	"bytes"
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilp4/ilpd/pkg/connector"
	"github.com/ilp4/ilpd/pkg/ilp"
	"github.com/ilp4/ilpd/pkg/routing"
)

// Accounts resolves peers and enumerates the ones participating in routing.
type Accounts interface {
	Account(id string) (connector.Account, bool)
	RoutingAccounts() []connector.Account
}

// logEntry is one epoch of the local advertisement log: either a (re)added
// route or a withdrawn prefix. The entry at index i happened in epoch i.
type logEntry struct {
	prop      RouteProp
	prefix    ilp.Address
	owner     string
	withdrawn bool
}

// sendState is the per-peer sender role: what this node advertises to the
// peer and how far the peer has acknowledged.
type sendState struct {
	mode  Mode
	epoch uint32

	failures     int
	backoffUntil time.Time
}

// receiveState is the per-peer receiver role: the peer's table incarnation,
// the highest applied epoch, and every route learned from it. Keeping the
// learned routes here lets a withdrawal fall back to the next-best route
// from another peer.
type receiveState struct {
	tableID      TableID
	appliedEpoch uint32
	routes       map[string]routing.Route

	lastControl time.Time
}

// Manager runs the route synchronization protocol against all routing
// peers: it receives Route Updates and Controls as a pipeline handler and
// broadcasts the local advertisement log.
type Manager struct {
	self     ilp.Address
	table    *routing.Table
	accounts Accounts
	sender   connector.PeerSender

	broadcastInterval time.Duration
	messageExpiry     time.Duration
	holdDownTime      time.Duration
	controlBackoff    time.Duration
	maxFailures       int

	mutex         sync.Mutex
	tableID       TableID
	currentEpoch  uint32
	changeLog     []logEntry
	advertised    map[string]RouteProp
	sendStates    map[string]*sendState
	receiveStates map[string]*receiveState

	kick    chan struct{}
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewManager creates a Manager over the given routing table. The table's
// statically configured routes must already be loaded; the Manager mints a
// fresh routing table id covering them. Call Start to begin broadcasting.
func NewManager(self ilp.Address, table *routing.Table, accounts Accounts, sender connector.PeerSender) *Manager {
	m := &Manager{
		self:     self,
		table:    table,
		accounts: accounts,
		sender:   sender,

		broadcastInterval: 30 * time.Second,
		messageExpiry:     30 * time.Second,
		holdDownTime:      45 * time.Second,
		controlBackoff:    5 * time.Second,
		maxFailures:       5,

		advertised:    make(map[string]RouteProp),
		sendStates:    make(map[string]*sendState),
		receiveStates: make(map[string]*receiveState),

		kick:    make(chan struct{}, 1),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	if _, err := rand.Read(m.tableID[:]); err != nil {
		panic(err)
	}

	m.mutex.Lock()
	m.refreshAdvertisedLocked()
	m.mutex.Unlock()

	return m
}

// Start launches the periodic broadcast loop.
func (m *Manager) Start() {
	go m.run()
}

// Close stops the broadcast loop.
func (m *Manager) Close() {
	close(m.stopSyn)
	<-m.stopAck
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSyn:
			close(m.stopAck)
			return

		case <-ticker.C:
			m.broadcast()

		case <-m.kick:
			m.broadcast()
		}
	}
}

// kickBroadcast schedules an immediate broadcast without blocking.
func (m *Manager) kickBroadcast() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) log() *log.Entry {
	return log.WithField("ccp", m.self)
}

func (m *Manager) reject(code, msg string) *ilp.Reject {
	return &ilp.Reject{Code: code, TriggeredBy: m.self, Message: msg}
}

func fulfillAck() *ilp.Fulfill {
	return &ilp.Fulfill{Fulfillment: PeerProtocolFulfillment}
}

// HandlePacket dispatches the sync protocol's carrier packets. Register it
// with the forwarding core for the peer.route prefix.
func (m *Manager) HandlePacket(ctx context.Context, req connector.Request) (ilp.Packet, error) {
	if req.Prepare.ExecutionCondition != PeerProtocolCondition {
		return m.reject(ilp.CodeF01InvalidPacket, "sync packet carries the wrong condition"), nil
	}

	switch req.Prepare.Destination {
	case AddressUpdate:
		update, err := ParseUpdate(req.Prepare.Data)
		if err != nil {
			return m.reject(ilp.CodeF01InvalidPacket, "malformed route update"), nil
		}
		return m.handleUpdate(ctx, req.From, update), nil

	case AddressControl:
		control, err := ParseControl(req.Prepare.Data)
		if err != nil {
			return m.reject(ilp.CodeF01InvalidPacket, "malformed route control"), nil
		}
		return m.handleControl(req.From, control), nil

	default:
		return m.reject(ilp.CodeF02Unreachable, "unknown peer protocol endpoint"), nil
	}
}

func (m *Manager) receiveStateFor(peer string) *receiveState {
	st, ok := m.receiveStates[peer]
	if !ok {
		st = &receiveState{routes: make(map[string]routing.Route)}
		m.receiveStates[peer] = st
	}
	return st
}

func (m *Manager) sendStateFor(peer string) *sendState {
	st, ok := m.sendStates[peer]
	if !ok {
		st = &sendState{mode: ModeSync}
		m.sendStates[peer] = st
	}
	return st
}

// handleUpdate is the receiver role for one inbound Route Update.
func (m *Manager) handleUpdate(ctx context.Context, peer connector.Account, update *RouteUpdate) ilp.Packet {
	if !peer.ShouldReceiveRoutes() {
		return m.reject(ilp.CodeF00BadRequest, "not accepting routes from this peer")
	}
	if update.ToEpoch < update.FromEpoch {
		return m.reject(ilp.CodeF01InvalidPacket, "route update epoch range is reversed")
	}

	m.mutex.Lock()

	st := m.receiveStateFor(peer.ID)
	affected := make(map[string]struct{})

	if update.RoutingTableID != st.tableID {
		// the peer rebuilt its table, everything learned so far is void,
		// including entries it owns that entered the table outside this
		// receive state (warm start from the store)
		for prefix := range st.routes {
			affected[prefix] = struct{}{}
			delete(st.routes, prefix)
		}
		for _, route := range m.table.Snapshot() {
			if route.Owner == peer.ID {
				affected[route.Prefix.String()] = struct{}{}
			}
		}
		st.tableID = update.RoutingTableID
		st.appliedEpoch = update.FromEpoch

		m.log().WithFields(log.Fields{
			"peer":     peer.ID,
			"table-id": update.RoutingTableID,
		}).Info("peer announced a new routing table incarnation")
	}

	switch {
	case update.FromEpoch == st.appliedEpoch:
		for _, prop := range update.NewRoutes {
			if isPeerPrefix(prop.Prefix) {
				continue
			}
			key := prop.Prefix.String()
			st.routes[key] = routing.Route{
				Prefix:      prop.Prefix,
				NextHop:     peer.ID,
				Owner:       peer.ID,
				PathLength:  prop.PathLength,
				AssetCode:   prop.AssetCode,
				AssetScale:  prop.AssetScale,
				Auth:        prop.Auth,
				Relation:    peer.Relation,
				ConfirmedAt: time.Now(),
			}
			affected[key] = struct{}{}
		}
		for _, prefix := range update.WithdrawnPrefixes {
			key := prefix.String()
			if _, ok := st.routes[key]; ok {
				delete(st.routes, key)
				affected[key] = struct{}{}
			}
		}
		st.appliedEpoch = update.ToEpoch

	case update.ToEpoch <= st.appliedEpoch:
		// a retransmission of already-applied epochs, acknowledged again
		m.mutex.Unlock()
		return fulfillAck()

	default:
		// epoch gap, the batch must not be applied
		mode := ModeSync
		if len(st.routes) == 0 && st.appliedEpoch == 0 {
			mode = ModeSyncFull
		}
		control := &RouteControl{
			Mode:           mode,
			LastKnownTable: st.tableID,
			LastKnownEpoch: st.appliedEpoch,
		}

		now := time.Now()
		throttled := now.Sub(st.lastControl) < m.controlBackoff
		if !throttled {
			st.lastControl = now
		}
		m.mutex.Unlock()

		m.log().WithFields(log.Fields{
			"peer":    peer.ID,
			"from":    update.FromEpoch,
			"applied": control.LastKnownEpoch,
		}).Info("route update out of sequence, requesting resync")

		if !throttled {
			m.sendControl(ctx, peer, control)
		}
		return fulfillAck()
	}

	// recompute and apply under one mutex hold, so a concurrent update
	// from another peer cannot interleave a stale best between them
	updates, withdrawals := m.recomputeLocked(peer.ID, affected)
	m.table.Apply(peer.ID, updates, withdrawals)
	changed := m.refreshAdvertisedLocked()
	m.mutex.Unlock()

	if changed {
		m.kickBroadcast()
	}

	return fulfillAck()
}

// recomputeLocked selects the best learned route for every affected prefix
// across all peers' receive states. Locally configured routes always win and
// are left untouched.
func (m *Manager) recomputeLocked(owner string, affected map[string]struct{}) (updates []routing.Route, withdrawals []ilp.Address) {
	for key := range affected {
		prefix := ilp.MustParseAddress(key)

		if current, ok := m.table.Get(prefix); ok && current.Owner == routing.LocalOwner {
			continue
		}

		var best *routing.Route
		for _, st := range m.receiveStates {
			if route, ok := st.routes[key]; ok {
				if best == nil || route.Better(*best) {
					r := route
					best = &r
				}
			}
		}

		if best != nil {
			updates = append(updates, *best)
		} else if _, ok := m.table.Get(prefix); ok {
			withdrawals = append(withdrawals, prefix)
		}
	}
	return
}

// handleControl is the sender role's reaction to a peer's Route Control.
func (m *Manager) handleControl(peer connector.Account, control *RouteControl) ilp.Packet {
	if !peer.ShouldSendRoutes() {
		return m.reject(ilp.CodeF00BadRequest, "not sending routes to this peer")
	}

	m.mutex.Lock()
	st := m.sendStateFor(peer.ID)
	st.mode = control.Mode
	st.failures = 0
	st.backoffUntil = time.Time{}

	switch {
	case control.Mode == ModeSyncFull, control.LastKnownTable != m.tableID:
		st.epoch = 0
	case control.LastKnownEpoch < m.currentEpoch:
		st.epoch = control.LastKnownEpoch
	default:
		st.epoch = m.currentEpoch
	}
	m.mutex.Unlock()

	m.log().WithFields(log.Fields{
		"peer":  peer.ID,
		"mode":  control.Mode,
		"epoch": control.LastKnownEpoch,
	}).Debug("received route control")

	m.kickBroadcast()
	return fulfillAck()
}

// refreshAdvertisedLocked diffs the routing table against the last
// advertisement set and appends one epoch per changed prefix to the change
// log. Reports whether anything changed.
func (m *Manager) refreshAdvertisedLocked() bool {
	desired := make(map[string]RouteProp)
	for _, route := range m.table.Snapshot() {
		if isPeerPrefix(route.Prefix) {
			continue
		}
		desired[route.Prefix.String()] = RouteProp{
			Prefix:     route.Prefix,
			PathLength: route.PathLength + 1,
			AssetCode:  route.AssetCode,
			AssetScale: route.AssetScale,
			Auth:       route.Auth,
		}
	}

	changed := false
	for key, prop := range desired {
		if old, ok := m.advertised[key]; !ok || !propEqual(old, prop) {
			owner := routing.LocalOwner
			if route, ok := m.table.Get(prop.Prefix); ok {
				owner = route.Owner
			}
			m.changeLog = append(m.changeLog, logEntry{prop: prop, prefix: prop.Prefix, owner: owner})
			m.currentEpoch++
			changed = true
		}
	}
	for key := range m.advertised {
		if _, ok := desired[key]; !ok {
			m.changeLog = append(m.changeLog, logEntry{prefix: ilp.MustParseAddress(key), withdrawn: true})
			m.currentEpoch++
			changed = true
		}
	}

	m.advertised = desired
	return changed
}

func isPeerPrefix(prefix ilp.Address) bool {
	return prefix.String() == "peer" || strings.HasPrefix(prefix.String(), "peer.")
}

func propEqual(a, b RouteProp) bool {
	return a.Prefix == b.Prefix &&
		a.PathLength == b.PathLength &&
		a.AssetCode == b.AssetCode &&
		a.AssetScale == b.AssetScale &&
		bytes.Equal(a.Auth, b.Auth)
}

// BuildUpdate assembles the Route Update for one peer covering
// [fromEpoch, currentEpoch), applying loop avoidance: changes originating
// from the target itself are filtered, so a parent never gets its own routes
// advertised back.
func (m *Manager) BuildUpdate(target connector.Account, fromEpoch uint32) *RouteUpdate {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.buildUpdateLocked(target, fromEpoch)
}

func (m *Manager) buildUpdateLocked(target connector.Account, fromEpoch uint32) *RouteUpdate {
	update := &RouteUpdate{
		Speaker:        m.self,
		RoutingTableID: m.tableID,
		FromEpoch:      fromEpoch,
		ToEpoch:        m.currentEpoch,
		HoldDownTime:   m.holdDownTime,
	}

	// final change per prefix within the range; the batch is applied
	// atomically, intermediate states are unobservable anyway
	final := make(map[string]logEntry)
	var order []string
	for epoch := fromEpoch; epoch < m.currentEpoch; epoch++ {
		entry := m.changeLog[epoch]
		key := entry.prefix.String()
		if _, ok := final[key]; !ok {
			order = append(order, key)
		}
		final[key] = entry
	}

	for _, key := range order {
		entry := final[key]
		switch {
		case entry.withdrawn:
			update.WithdrawnPrefixes = append(update.WithdrawnPrefixes, entry.prefix)
		case entry.owner == target.ID:
			// never advertise a peer's own routes back to it
		default:
			update.NewRoutes = append(update.NewRoutes, entry.prop)
		}
	}

	return update
}

// broadcast sends one Route Update to every peer that receives routes.
func (m *Manager) broadcast() {
	type job struct {
		account connector.Account
		update  *RouteUpdate
	}

	var jobs []job
	now := time.Now()

	m.mutex.Lock()
	for _, account := range m.accounts.RoutingAccounts() {
		if !account.ShouldSendRoutes() {
			continue
		}

		st := m.sendStateFor(account.ID)
		if st.mode == ModeIdle || st.backoffUntil.After(now) {
			continue
		}

		jobs = append(jobs, job{account: account, update: m.buildUpdateLocked(account, st.epoch)})
	}
	m.mutex.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			m.sendUpdate(j.account, j.update)
		}(j)
	}
	wg.Wait()
}

func (m *Manager) sendUpdate(target connector.Account, update *RouteUpdate) {
	prepare, err := NewUpdatePrepare(update, m.messageExpiry)
	if err != nil {
		m.log().WithError(err).Error("building route update failed")
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), prepare.ExpiresAt)
	defer cancel()

	response, err := m.sender.SendPacket(ctx, target.ID, prepare)
	acked := err == nil && response.Type() == ilp.TypeFulfill

	m.mutex.Lock()
	st := m.sendStateFor(target.ID)
	if acked {
		st.epoch = update.ToEpoch
		st.failures = 0
		st.backoffUntil = time.Time{}
		m.mutex.Unlock()
		return
	}

	st.failures++
	st.backoffUntil = time.Now().Add(m.controlBackoff << uint(st.failures-1))
	failures := st.failures
	m.mutex.Unlock()

	m.log().WithFields(log.Fields{
		"peer":     target.ID,
		"failures": failures,
	}).WithError(err).Info("route update was not acknowledged")

	if failures >= m.maxFailures {
		m.MarkUnreachable(target.ID)
	}
}

// sendControl transmits a Route Control request to the peer.
func (m *Manager) sendControl(ctx context.Context, peer connector.Account, control *RouteControl) {
	prepare, err := NewControlPrepare(control, m.messageExpiry)
	if err != nil {
		m.log().WithError(err).Error("building route control failed")
		return
	}

	if _, err := m.sender.SendPacket(ctx, peer.ID, prepare); err != nil {
		// not fatal: the next out-of-sequence update triggers a retry
		// after the control backoff
		m.log().WithField("peer", peer.ID).WithError(err).Info("route control failed")
	}
}

// MarkUnreachable withdraws everything learned from a peer and resets its
// sync state. The connector keeps operating on the remaining table.
func (m *Manager) MarkUnreachable(peer string) {
	m.mutex.Lock()
	delete(m.sendStates, peer)
	delete(m.receiveStates, peer)
	m.mutex.Unlock()

	dropped := m.table.DropOwner(peer)

	m.mutex.Lock()
	changed := m.refreshAdvertisedLocked()
	m.mutex.Unlock()

	m.log().WithFields(log.Fields{
		"peer":   peer,
		"routes": len(dropped),
	}).Warn("peer is unreachable, withdrew its routes")

	if changed {
		m.kickBroadcast()
	}
}

// PeerAppeared reacts to a link-layer connect: ask a route-sending peer for
// its full table.
func (m *Manager) PeerAppeared(peer string) {
	account, ok := m.accounts.Account(peer)
	if !ok || !account.ShouldReceiveRoutes() {
		return
	}

	m.mutex.Lock()
	st := m.receiveStateFor(peer)
	control := &RouteControl{
		Mode:           ModeSyncFull,
		LastKnownTable: st.tableID,
		LastKnownEpoch: st.appliedEpoch,
	}
	st.lastControl = time.Now()
	m.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.messageExpiry)
	defer cancel()
	m.sendControl(ctx, account, control)
}

// PeerDisappeared reacts to a link-layer disconnect.
func (m *Manager) PeerDisappeared(peer string) {
	m.MarkUnreachable(peer)
}
