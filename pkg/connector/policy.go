// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connector

import (
	"errors"
	"math/bits"
)

// ErrAmountOverflow marks an outgoing amount that does not fit an unsigned
// 64 bit integer after conversion.
var ErrAmountOverflow = errors.New("outgoing amount overflows")

// RatePolicy computes the amount forwarded to the next hop from the inbound
// amount and both accounts' asset denominations. The exact fee and spread
// computation is configuration, not protocol.
type RatePolicy interface {
	OutgoingAmount(amount uint64, from, to Account) (uint64, error)
}

// SpreadPolicy is the default RatePolicy: asset-scale shift between the two
// accounts, then a configured spread in basis points taken off the top.
type SpreadPolicy struct {
	SpreadBps uint64
}

func (sp SpreadPolicy) OutgoingAmount(amount uint64, from, to Account) (uint64, error) {
	out := amount

	// scale shift first, spread second, so the spread applies in the
	// outgoing denomination
	if from.AssetScale < to.AssetScale {
		for d := to.AssetScale - from.AssetScale; d > 0; d-- {
			hi, lo := bits.Mul64(out, 10)
			if hi != 0 {
				return 0, ErrAmountOverflow
			}
			out = lo
		}
	} else if from.AssetScale > to.AssetScale {
		for d := from.AssetScale - to.AssetScale; d > 0; d-- {
			out /= 10
		}
	}

	if sp.SpreadBps > 0 {
		if sp.SpreadBps >= 10000 {
			return 0, nil
		}
		hi, lo := bits.Mul64(out, 10000-sp.SpreadBps)
		quo, _ := bits.Div64(hi, lo, 10000)
		out = quo
	}

	return out, nil
}
