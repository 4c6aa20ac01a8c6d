// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package link

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Websocket framing: every message is one frame of
//
//	kind (1 byte) | correlation id (4 bytes, big endian) | packet bytes
//
// where kind distinguishes requests from responses. The correlation id is
// scoped to the connection and chosen by the requesting side.
const (
	frameRequest  byte = 0
	frameResponse byte = 1

	frameHeaderLen = 5
)

// inboundTimeout bounds the handling of one inbound request; the packet's
// own expiry inside the pipeline is usually tighter.
const inboundTimeout = time.Minute

// WSLink is a Link over one websocket connection, multiplexing concurrent
// request/response exchanges by correlation id.
type WSLink struct {
	peer     string
	conn     *websocket.Conn
	receiver Receiver

	writeMutex sync.Mutex

	pendingMutex sync.Mutex
	pending      map[uint32]chan []byte
	nextID       uint32

	closeOnce sync.Once
	done      chan struct{}
}

func newWSLink(peer string, conn *websocket.Conn, receiver Receiver) *WSLink {
	l := &WSLink{
		peer:     peer,
		conn:     conn,
		receiver: receiver,
		pending:  make(map[uint32]chan []byte),
		done:     make(chan struct{}),
	}

	go l.readPump()
	return l
}

func (l *WSLink) Peer() string {
	return l.peer
}

func (l *WSLink) Done() <-chan struct{} {
	return l.done
}

func (l *WSLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
	return nil
}

func (l *WSLink) readPump() {
	defer l.Close()

	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				log.WithField("peer", l.peer).WithError(err).Info("websocket read failed")
			}
			return
		}

		if len(msg) < frameHeaderLen {
			log.WithField("peer", l.peer).Warn("websocket frame is too short")
			continue
		}

		kind := msg[0]
		id := binary.BigEndian.Uint32(msg[1:frameHeaderLen])
		payload := msg[frameHeaderLen:]

		switch kind {
		case frameRequest:
			go l.handleRequest(id, payload)

		case frameResponse:
			l.pendingMutex.Lock()
			ch, ok := l.pending[id]
			delete(l.pending, id)
			l.pendingMutex.Unlock()

			if ok {
				ch <- payload
			}
			// an unmatched response means the waiter's deadline
			// already passed: discard, never double-answer

		default:
			log.WithFields(log.Fields{
				"peer": l.peer,
				"kind": kind,
			}).Warn("unknown websocket frame kind")
		}
	}
}

func (l *WSLink) handleRequest(id uint32, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	response := l.receiver.ReceivePacket(ctx, l.peer, payload)
	if err := l.writeFrame(frameResponse, id, response); err != nil {
		log.WithField("peer", l.peer).WithError(err).Info("websocket response write failed")
	}
}

func (l *WSLink) writeFrame(kind byte, id uint32, payload []byte) error {
	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = kind
	binary.BigEndian.PutUint32(frame[1:frameHeaderLen], id)
	copy(frame[frameHeaderLen:], payload)

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (l *WSLink) Send(ctx context.Context, raw []byte) ([]byte, error) {
	id := atomic.AddUint32(&l.nextID, 1)

	ch := make(chan []byte, 1)
	l.pendingMutex.Lock()
	l.pending[id] = ch
	l.pendingMutex.Unlock()

	defer func() {
		l.pendingMutex.Lock()
		delete(l.pending, id)
		l.pendingMutex.Unlock()
	}()

	if err := l.writeFrame(frameRequest, id, raw); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrPeerNotConnected
	case response := <-ch:
		return response, nil
	}
}

// DialWebsocket connects to a peer's websocket endpoint, authenticating
// with the shared token.
func DialWebsocket(ctx context.Context, peer, url, token string, receiver Receiver) (Link, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header) //nolint:bodyclose
	if err != nil {
		return nil, fmt.Errorf("dialling %s failed: %w", url, err)
	}

	return newWSLink(peer, conn, receiver), nil
}

// Authenticator resolves an inbound connection's bearer token to a peer
// account id.
type Authenticator func(token string) (peer string, ok bool)

// WebsocketListener accepts inbound peer connections over HTTP upgrade and
// registers the resulting Links with the Manager.
type WebsocketListener struct {
	manager      *Manager
	receiver     Receiver
	authenticate Authenticator

	upgrader websocket.Upgrader
}

// NewWebsocketListener creates the HTTP handler for inbound peer links.
func NewWebsocketListener(manager *Manager, receiver Receiver, authenticate Authenticator) *WebsocketListener {
	return &WebsocketListener{
		manager:      manager,
		receiver:     receiver,
		authenticate: authenticate,
	}
}

func (wl *WebsocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	peer, ok := wl.authenticate(token)
	if !ok {
		log.WithField("remote", r.RemoteAddr).Info("refusing unauthenticated peer connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("remote", r.RemoteAddr).WithError(err).Info("websocket upgrade failed")
		return
	}

	wl.manager.Register(newWSLink(peer, conn, wl.receiver))
}
