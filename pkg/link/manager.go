// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package link

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dialer establishes a fresh Link to a peer.
type Dialer func(ctx context.Context) (Link, error)

// Manager supervises all peer Links: it registers incoming connections,
// redials outgoing ones with a bounded retry, and forwards peer
// appear/disappear notifications. Its Send method is the byte-level
// outgoing contract consumed by the forwarding core.
type Manager struct {
	events Events

	retryTime time.Duration
	attempts  int

	mutex sync.Mutex
	links map[string]Link

	stopSyn chan struct{}
	stopAck sync.WaitGroup

	stopped bool
}

// NewManager creates a Manager reporting to the given Events sink.
func NewManager(events Events) *Manager {
	return &Manager{
		events: events,

		retryTime: 10 * time.Second,
		attempts:  10,

		links:   make(map[string]Link),
		stopSyn: make(chan struct{}),
	}
}

// Register adopts an established Link, replacing a previous one for the
// same peer.
func (m *Manager) Register(l Link) {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		_ = l.Close()
		return
	}

	old, hadOld := m.links[l.Peer()]
	m.links[l.Peer()] = l
	m.mutex.Unlock()

	if hadOld {
		_ = old.Close()
	}

	log.WithField("peer", l.Peer()).Info("peer link established")
	m.events.PeerAppeared(l.Peer())
}

// Unregister drops a peer's Link, closing it. Links call this on failure.
func (m *Manager) Unregister(peer string) {
	m.mutex.Lock()
	l, ok := m.links[peer]
	delete(m.links, peer)
	stopped := m.stopped
	m.mutex.Unlock()

	if !ok {
		return
	}
	_ = l.Close()

	if !stopped {
		log.WithField("peer", peer).Info("peer link lost")
		m.events.PeerDisappeared(peer)
	}
}

// Supervise dials a peer and keeps the Link alive: when it fails, the dial
// is retried with the configured pause until the attempt budget is spent or
// the Manager closes.
func (m *Manager) Supervise(peer string, dial Dialer) {
	m.stopAck.Add(1)
	go m.supervise(peer, dial)
}

func (m *Manager) supervise(peer string, dial Dialer) {
	defer m.stopAck.Done()

	for attempt := 0; attempt < m.attempts; attempt++ {
		select {
		case <-m.stopSyn:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.retryTime)
		l, err := dial(ctx)
		cancel()

		if err != nil {
			log.WithFields(log.Fields{
				"peer":    peer,
				"attempt": attempt,
			}).WithError(err).Info("dialling peer failed")

			select {
			case <-m.stopSyn:
				return
			case <-time.After(m.retryTime):
				continue
			}
		}

		attempt = 0
		m.Register(l)

		select {
		case <-m.stopSyn:
			return
		case <-linkDone(l):
			m.Unregister(peer)
		}
	}

	log.WithField("peer", peer).Warn("giving up on dialling peer")
}

// doneLink is implemented by Links that can signal their own termination,
// enabling redials through Supervise.
type doneLink interface {
	Done() <-chan struct{}
}

func linkDone(l Link) <-chan struct{} {
	if dl, ok := l.(doneLink); ok {
		return dl.Done()
	}
	// without a termination signal the supervisor just parks
	return make(chan struct{})
}

// Send transmits raw to the peer's Link; the byte-level outgoing contract.
func (m *Manager) Send(ctx context.Context, peer string, raw []byte) ([]byte, error) {
	m.mutex.Lock()
	l, ok := m.links[peer]
	m.mutex.Unlock()

	if !ok {
		return nil, ErrPeerNotConnected
	}
	return l.Send(ctx, raw)
}

// Connected reports whether a peer currently has a Link.
func (m *Manager) Connected(peer string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	_, ok := m.links[peer]
	return ok
}

// Close tears down all Links and stops the supervisors.
func (m *Manager) Close() {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return
	}
	m.stopped = true
	links := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[string]Link)
	m.mutex.Unlock()

	close(m.stopSyn)
	for _, l := range links {
		_ = l.Close()
	}
	m.stopAck.Wait()
}
