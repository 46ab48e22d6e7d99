// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/codec"
	"github.com/hivedoor/hivedoor/policy"
)

// KeySize is the size in bytes of every MAC key the authority derives.
const KeySize = 32

// hkdfInfoPrefix and hkdfInfoSuffix bracket the role label in the HKDF
// info parameter, giving each role its own derivation path. Changing
// either string, or a role label, invalidates every minted ticket.
const (
	hkdfInfoPrefix = "hivedoor.ticket."
	hkdfInfoSuffix = ".v1"
)

// Authority holds the per-role MAC keyring derived from the deployment
// master secret. The daemon builds one at startup from the unsealed
// keystore; the operator CLI builds one transiently for minting.
type Authority struct {
	keys  map[policy.Role][KeySize]byte
	clock clock.Clock
}

// NewAuthority derives the full role keyring from a 32-byte master
// secret. The clock is used to stamp IssuedAt at mint time and as the
// default "now" for Verify.
func NewAuthority(masterSecret []byte, clk clock.Clock) (*Authority, error) {
	if len(masterSecret) != MasterSecretSize {
		return nil, fmt.Errorf("ticket: master secret is %d bytes, want %d", len(masterSecret), MasterSecretSize)
	}
	authority := &Authority{
		keys:  make(map[policy.Role][KeySize]byte, len(policy.Roles())),
		clock: clk,
	}
	for _, role := range policy.Roles() {
		key, err := deriveRoleKey(masterSecret, role)
		if err != nil {
			return nil, err
		}
		authority.keys[role] = key
	}
	return authority, nil
}

// Mint validates the claims, stamps IssuedAt when unset, and returns
// the wire token: CBOR claims payload followed by the 32-byte keyed
// BLAKE3 MAC under the role's key.
func (a *Authority) Mint(claims Claims) ([]byte, error) {
	if err := ValidateClaims(claims); err != nil {
		return nil, err
	}
	if claims.IssuedAt == 0 {
		claims.IssuedAt = a.clock.Now().UnixMilli()
	}

	payload, err := encodeClaims(claims)
	if err != nil {
		return nil, err
	}
	mac := computeMAC(a.keys[claims.Role], payload)

	token := make([]byte, len(payload)+macSize)
	copy(token, payload)
	copy(token[len(payload):], mac[:])
	return token, nil
}

// Verify checks a token against the authority clock. See VerifyAt.
func (a *Authority) Verify(token []byte) (Claims, error) {
	return a.VerifyAt(token, a.clock.Now())
}

// VerifyAt splits the token, decodes the claims, and checks the MAC
// under the key for the role the claims carry. Decoding precedes the
// integrity check because the role label selects the key; a tampered
// label still fails, since the MAC was computed under a different key.
//
// The issue timestamp may sit up to IssueSkewTolerance in the future
// to absorb clock drift between the minting host and the daemon.
func (a *Authority) VerifyAt(token []byte, now time.Time) (Claims, error) {
	if len(token) <= macSize {
		return Claims{}, ErrTokenTooShort
	}

	splitPoint := len(token) - macSize
	payload := token[:splitPoint]
	presented := token[splitPoint:]

	var claims Claims
	if err := codec.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("ticket: decoding claims: %w", err)
	}
	if !claims.Role.Known() {
		return Claims{}, fmt.Errorf("%w: %d", ErrUnknownRole, uint8(claims.Role))
	}

	expected := computeMAC(a.keys[claims.Role], payload)
	if !hmac.Equal(presented, expected[:]) {
		return Claims{}, ErrInvalidMAC
	}

	if err := ValidateClaims(claims); err != nil {
		return Claims{}, err
	}
	if claims.IssuedAt > now.Add(IssueSkewTolerance).UnixMilli() {
		return Claims{}, ErrIssuedInFuture
	}
	return claims, nil
}

// IssueSkewTolerance is how far in the future a ticket's IssuedAt may
// sit before verification rejects it. Embedded boards drift; a couple
// of minutes absorbs an unsynchronized RTC without accepting
// arbitrarily pre-dated tokens.
const IssueSkewTolerance = 2 * time.Minute

// deriveRoleKey runs HKDF-SHA256 over the master secret with a
// role-labelled info string. The salt is nil: the master secret is
// already uniformly random, so the extract phase with a zero salt is
// appropriate per RFC 5869.
func deriveRoleKey(masterSecret []byte, role policy.Role) ([KeySize]byte, error) {
	var key [KeySize]byte
	info := []byte(hkdfInfoPrefix + role.String() + hkdfInfoSuffix)
	reader := hkdf.New(sha256.New, masterSecret, nil, info)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("ticket: deriving %s key: %w", role, err)
	}
	return key, nil
}

// computeMAC computes the keyed BLAKE3 MAC of the payload.
func computeMAC(key [KeySize]byte, payload []byte) [macSize]byte {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails for a wrong key length, which the
		// fixed-size type rules out.
		panic("ticket: BLAKE3 keyed MAC initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	var mac [macSize]byte
	copy(mac[:], hasher.Sum(nil))
	return mac
}
