// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package link

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startWebsocketServer(t *testing.T, receiver Receiver) (*Manager, *httptest.Server) {
	t.Helper()

	manager := NewManager(NopEvents{})
	authenticate := func(token string) (string, bool) {
		if token == "secret" {
			return "alice", true
		}
		return "", false
	}

	server := httptest.NewServer(NewWebsocketListener(manager, receiver, authenticate))

	t.Cleanup(func() {
		manager.Close()
		server.Close()
	})
	return manager, server
}

func TestWebsocketExchange(t *testing.T) {
	_, server := startWebsocketServer(t, echoReceiver("server"))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	clientLink, err := DialWebsocket(context.Background(), "bob", url, "secret", echoReceiver("client"))
	if err != nil {
		t.Fatalf("dialling failed: %v", err)
	}
	defer clientLink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response, err := clientLink.Send(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("sending failed: %v", err)
	}
	if expect := []byte("server:alice:ping"); !bytes.Equal(response, expect) {
		t.Fatalf("expected %q, got %q", expect, response)
	}
}

func TestWebsocketServerToClient(t *testing.T) {
	manager, server := startWebsocketServer(t, echoReceiver("server"))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	clientLink, err := DialWebsocket(context.Background(), "bob", url, "secret", echoReceiver("client"))
	if err != nil {
		t.Fatalf("dialling failed: %v", err)
	}
	defer clientLink.Close()

	deadline := time.Now().Add(time.Second)
	for !manager.Connected("alice") {
		if time.Now().After(deadline) {
			t.Fatal("server never registered the inbound link")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response, err := manager.Send(ctx, "alice", []byte("pong"))
	if err != nil {
		t.Fatalf("sending failed: %v", err)
	}
	if expect := []byte("client:bob:pong"); !bytes.Equal(response, expect) {
		t.Fatalf("expected %q, got %q", expect, response)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	_, server := startWebsocketServer(t, echoReceiver("server"))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, err := DialWebsocket(context.Background(), "bob", url, "wrong", echoReceiver("client")); err == nil {
		t.Fatal("expected the handshake to be refused")
	}
}

func TestWebsocketConcurrentRequests(t *testing.T) {
	_, server := startWebsocketServer(t, echoReceiver("server"))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	clientLink, err := DialWebsocket(context.Background(), "bob", url, "secret", echoReceiver("client"))
	if err != nil {
		t.Fatalf("dialling failed: %v", err)
	}
	defer clientLink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		payload := []byte{byte(i)}
		go func() {
			response, err := clientLink.Send(ctx, payload)
			if err == nil && !bytes.Equal(response, append([]byte("server:alice:"), payload...)) {
				err = ErrPeerNotConnected
			}
			errs <- err
		}()
	}

	for i := 0; i < 16; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent request failed: %v", err)
		}
	}
}
