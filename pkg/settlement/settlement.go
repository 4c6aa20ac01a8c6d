// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package settlement reports fulfilled transfers to an external settlement
// engine. The engine keeps the actual balances; the connector only tells it
// which peer owes how much more. Reporting is fire-and-forget: a dead engine
// must never stall the packet path.
package settlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// Engine receives settlement notifications for fulfilled transfers.
type Engine interface {
	NotifySettlement(peer string, amount uint64)
}

// NopEngine discards all notifications, for nodes running without a
// settlement engine.
type NopEngine struct{}

func (NopEngine) NotifySettlement(string, uint64) {}

// settlementRequest is the JSON body POSTed to the engine.
type settlementRequest struct {
	Peer   string `json:"peer"`
	Amount uint64 `json:"amount"`
}

// HTTPEngine notifies a settlement engine over HTTP: one POST to
// {base}/accounts/{peer}/settlements per fulfilled transfer.
type HTTPEngine struct {
	base   string
	client *http.Client
}

// NewHTTPEngine creates an HTTPEngine for the engine's base URL.
func NewHTTPEngine(base string) *HTTPEngine {
	return &HTTPEngine{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *HTTPEngine) NotifySettlement(peer string, amount uint64) {
	body, err := json.Marshal(settlementRequest{Peer: peer, Amount: amount})
	if err != nil {
		log.WithField("peer", peer).WithError(err).Warn("Failed to marshal settlement request")
		return
	}

	target := fmt.Sprintf("%s/accounts/%s/settlements", e.base, url.PathEscape(peer))
	resp, err := e.client.Post(target, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithFields(log.Fields{
			"peer":   peer,
			"amount": amount,
		}).WithError(err).Warn("Settlement engine is unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithFields(log.Fields{
			"peer":   peer,
			"amount": amount,
			"status": resp.StatusCode,
		}).Warn("Settlement engine refused the notification")
		return
	}

	log.WithFields(log.Fields{
		"peer":   peer,
		"amount": amount,
	}).Debug("Reported settlement")
}
