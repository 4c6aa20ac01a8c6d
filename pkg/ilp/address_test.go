// SPDX-FileCopyrightText: 2025, 2026 The ilpd Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ilp

import (
	"errors"
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	valid := []string{
		"g",
		"g.acme",
		"g.acme.alice",
		"test.connie-west.bob_1",
		"private.x~y",
		strings.Repeat("a", 63),
	}
	for _, s := range valid {
		addr, err := ParseAddress(s)
		if err != nil {
			t.Errorf("%q resulted in an error: %v", s, err)
		}
		if addr.String() != s {
			t.Errorf("%q round-tripped to %q", s, addr.String())
		}
	}

	invalid := []string{
		"",
		".",
		"g.",
		".g",
		"g..acme",
		"g.ac me",
		"g.acme!",
		"g.äcme",
		strings.Repeat("a", 64),
		"g." + strings.Repeat("a", 1022),
	}
	for _, s := range invalid {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("%q did not result in an error", s)
		} else if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("%q errored with the wrong kind: %v", s, err)
		}
	}
}

func TestAddressIsPrefixOf(t *testing.T) {
	tests := []struct {
		prefix string
		addr   string
		is     bool
	}{
		{"g", "g", true},
		{"g", "g.acme", true},
		{"g.acme", "g.acme.alice.123", true},
		{"g.acme", "g.acmeish", false},
		{"g.acme", "g", false},
		{"g.acme", "x.acme", false},
	}

	for _, tt := range tests {
		prefix := MustParseAddress(tt.prefix)
		addr := MustParseAddress(tt.addr)

		if got := prefix.IsPrefixOf(addr); got != tt.is {
			t.Errorf("%q.IsPrefixOf(%q) = %v, expected %v", tt.prefix, tt.addr, got, tt.is)
		}
	}
}

func TestAddressWithSuffix(t *testing.T) {
	base := MustParseAddress("g.acme")

	child, err := base.WithSuffix("alice")
	if err != nil {
		t.Fatalf("WithSuffix errored: %v", err)
	}
	if child.String() != "g.acme.alice" {
		t.Errorf("unexpected suffixed address %q", child.String())
	}

	if _, err := base.WithSuffix("not valid"); err == nil {
		t.Error("illegal segment did not result in an error")
	}
	if _, err := base.WithSuffix(strings.Repeat("a", 64)); err == nil {
		t.Error("oversized segment did not result in an error")
	}

	long := MustParseAddress("g." + strings.Repeat("a", 63) + "." + strings.Repeat("b", 63))
	for len(long.String())+9 <= 1023 {
		if long, err = long.WithSuffix("padpadpa"); err != nil {
			t.Fatalf("WithSuffix errored while growing: %v", err)
		}
	}
	if _, err := long.WithSuffix("overflow"); err == nil {
		t.Error("suffix beyond total length limit did not result in an error")
	}
}
