// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connector

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilp4/ilpd/pkg/ilp"
)

// ExpiryCheck rejects Prepares whose expiry is not strictly in the future
// before any further stage runs.
func ExpiryCheck(self ilp.Address) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req Request) (ilp.Packet, error) {
			if !req.Prepare.ExpiresAt.After(time.Now()) {
				return &ilp.Reject{
					Code:        ilp.CodeF01InvalidPacket,
					TriggeredBy: self,
					Message:     "packet is expired",
				}, nil
			}
			return next.HandlePacket(ctx, req)
		})
	}
}

// Logging reports every exchange's outcome with the peer, destination,
// amount and round-trip time.
func Logging() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req Request) (ilp.Packet, error) {
			start := time.Now()
			response, err := next.HandlePacket(ctx, req)

			fields := log.Fields{
				"peer":        req.From.ID,
				"destination": req.Prepare.Destination,
				"amount":      req.Prepare.Amount,
				"rtt":         time.Since(start),
			}

			switch {
			case err != nil:
				log.WithFields(fields).WithError(err).Warn("packet exchange failed")
			case response.Type() == ilp.TypeReject:
				reject := response.(*ilp.Reject)
				log.WithFields(fields).WithFields(log.Fields{
					"code":         reject.Code,
					"triggered-by": reject.TriggeredBy,
				}).Debug("packet was rejected")
			default:
				log.WithFields(fields).Debug("packet was fulfilled")
			}

			return response, err
		})
	}
}

// tokenBucket is a minimal per-peer rate limiter refilling continuously.
type tokenBucket struct {
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	tb.last = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// RateLimit rejects a peer's packets beyond packetsPerSecond with a burst
// allowance of the same size.
func RateLimit(self ilp.Address, packetsPerSecond float64) Middleware {
	var mutex sync.Mutex
	buckets := make(map[string]*tokenBucket)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req Request) (ilp.Packet, error) {
			mutex.Lock()
			bucket, ok := buckets[req.From.ID]
			if !ok {
				bucket = &tokenBucket{
					tokens:   packetsPerSecond,
					capacity: packetsPerSecond,
					rate:     packetsPerSecond,
					last:     time.Now(),
				}
				buckets[req.From.ID] = bucket
			}
			allowed := bucket.allow(time.Now())
			mutex.Unlock()

			if !allowed {
				return &ilp.Reject{
					Code:        ilp.CodeT05RateLimited,
					TriggeredBy: self,
					Message:     "too many packets",
				}, nil
			}
			return next.HandlePacket(ctx, req)
		})
	}
}

// Settler is notified after a Fulfill was relayed; see pkg/settlement.
type Settler interface {
	NotifySettlement(peer string, amount uint64)
}

// Accounting observes responses flowing back and notifies the settlement
// collaborator about every fulfilled transfer. The notification is
// fire-and-forget; settlement failures never affect the packet exchange.
func Accounting(settler Settler) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req Request) (ilp.Packet, error) {
			response, err := next.HandlePacket(ctx, req)

			if err == nil && response.Type() == ilp.TypeFulfill {
				go settler.NotifySettlement(req.From.ID, req.Prepare.Amount)
			}

			return response, err
		})
	}
}
