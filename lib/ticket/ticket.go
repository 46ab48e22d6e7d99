// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package ticket mints and verifies the capability tickets that gate
// every attach. A ticket is a CBOR-encoded Claims payload followed by
// a 32-byte keyed BLAKE3 MAC. The MAC key is derived per role from the
// deployment master secret, so a ticket minted for one role can never
// verify as another: flipping the role label changes which key the
// verifier selects, and the MAC no longer matches.
//
// Claims are value types. Verification returns a copy; nothing the
// caller does to it can alter the token it came from.
package ticket

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/hivedoor/hivedoor/lib/codec"
	"github.com/hivedoor/hivedoor/policy"
)

// macSize is the fixed size of the keyed BLAKE3 MAC appended to the
// claims payload.
const macSize = 32

// Budget caps a session on up to three axes. A zero field leaves that
// axis to the role default, filled in at attach; a role default of
// zero means the axis is uncapped.
type Budget struct {
	// Ticks is the number of timer ticks the session may consume.
	Ticks uint64 `cbor:"1,keyasint,omitempty" json:"ticks,omitempty" yaml:"ticks,omitempty"`

	// Ops is the number of successful non-clunk operations allowed.
	Ops uint64 `cbor:"2,keyasint,omitempty" json:"ops,omitempty" yaml:"ops,omitempty"`

	// TTLSeconds bounds the session lifetime, measured from attach.
	TTLSeconds uint32 `cbor:"3,keyasint,omitempty" json:"ttl_s,omitempty" yaml:"ttl_s,omitempty"`
}

// IsZero reports whether no axis is set.
func (b Budget) IsZero() bool {
	return b == Budget{}
}

// Merge fills unset axes from defaults. Ticket values always win; a
// ticket can narrow a role default but absence never widens it.
func (b Budget) Merge(defaults Budget) Budget {
	merged := b
	if merged.Ticks == 0 {
		merged.Ticks = defaults.Ticks
	}
	if merged.Ops == 0 {
		merged.Ops = defaults.Ops
	}
	if merged.TTLSeconds == 0 {
		merged.TTLSeconds = defaults.TTLSeconds
	}
	return merged
}

// DefaultBudget returns the standing budget for a role. Queen sessions
// are unbounded. Observer sessions age out on TTL alone.
func DefaultBudget(role policy.Role) Budget {
	switch role {
	case policy.RoleWorkerHeartbeat:
		return Budget{Ticks: 1000, Ops: 10000, TTLSeconds: 300}
	case policy.RoleWorkerGpu:
		return Budget{Ops: 64, TTLSeconds: 120}
	case policy.RoleObserver:
		return Budget{TTLSeconds: 900}
	default:
		return Budget{}
	}
}

// Claims is the CBOR-encoded payload of a capability ticket.
type Claims struct {
	// Role is the capability class the ticket grants.
	Role policy.Role `cbor:"1,keyasint" json:"role"`

	// Subject is the worker id the ticket is bound to ("worker-3").
	// Required for worker roles; optional operator label otherwise.
	Subject string `cbor:"2,keyasint,omitempty" json:"subject,omitempty"`

	// MountScope is the GPU node id a worker-gpu ticket is leased to.
	// Only valid, and required, for RoleWorkerGpu.
	MountScope string `cbor:"3,keyasint,omitempty" json:"mount_scope,omitempty"`

	// Budget carries per-ticket overrides of the role defaults.
	Budget Budget `cbor:"4,keyasint,omitempty" json:"budget,omitempty"`

	// IssuedAt is a Unix timestamp in milliseconds of when the
	// authority minted the ticket. Stamped by Mint when zero.
	IssuedAt int64 `cbor:"5,keyasint" json:"issued_at_ms"`
}

// Errors returned by Mint and Verify.
var (
	ErrTokenTooShort  = errors.New("ticket: token too short for integrity tag")
	ErrInvalidMAC     = errors.New("ticket: MAC verification failed")
	ErrUnknownRole    = errors.New("ticket: unknown role")
	ErrMissingSubject = errors.New("ticket: worker ticket requires a subject")
	ErrMissingScope   = errors.New("ticket: gpu ticket requires a mount scope")
	ErrScopeNotGpu    = errors.New("ticket: mount scope is only valid for gpu workers")
	ErrIssuedInFuture = errors.New("ticket: issued in the future")
)

// ValidateClaims checks the structural rules a ticket must satisfy
// regardless of who presents it. Mint enforces these before signing
// and Verify enforces them again after the MAC check.
func ValidateClaims(claims Claims) error {
	if !claims.Role.Known() {
		return fmt.Errorf("%w: %d", ErrUnknownRole, uint8(claims.Role))
	}
	if claims.Role.IsWorker() && claims.Subject == "" {
		return ErrMissingSubject
	}
	if claims.Role == policy.RoleWorkerGpu && claims.MountScope == "" {
		return ErrMissingScope
	}
	if claims.Role != policy.RoleWorkerGpu && claims.MountScope != "" {
		return ErrScopeNotGpu
	}
	return nil
}

// FormatToken renders raw token bytes in the padless URL-safe base64
// form that travels in the attach uname field and on operator
// command lines.
func FormatToken(token []byte) string {
	return base64.RawURLEncoding.EncodeToString(token)
}

// ParseToken decodes a base64 token string back to raw bytes.
func ParseToken(s string) ([]byte, error) {
	token, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ticket: decoding token: %w", err)
	}
	return token, nil
}

// DecodeClaims decodes the claims payload of a raw token without
// checking its MAC. For inspection and display only; nothing decoded
// this way is trustworthy until Verify has accepted the token.
func DecodeClaims(token []byte) (Claims, error) {
	if len(token) <= macSize {
		return Claims{}, ErrTokenTooShort
	}
	var claims Claims
	if err := codec.Unmarshal(token[:len(token)-macSize], &claims); err != nil {
		return Claims{}, fmt.Errorf("ticket: decoding claims: %w", err)
	}
	return claims, nil
}

// encodeClaims is the single serialization point for claim payloads.
// The codec's deterministic encoding matters here: the MAC is computed
// over these exact bytes.
func encodeClaims(claims Claims) ([]byte, error) {
	payload, err := codec.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("ticket: encoding claims: %w", err)
	}
	return payload, nil
}
