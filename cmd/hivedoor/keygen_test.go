// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/policy"
)

func keystorePair(t *testing.T) (keystorePath, identityPath string) {
	t.Helper()
	dir := t.TempDir()
	keystorePath = filepath.Join(dir, "master.age")
	identityPath = filepath.Join(dir, "identity.txt")
	err := runKeygen(keygenParams{
		keystorePath: keystorePath,
		identityPath: identityPath,
		out:          io.Discard,
	})
	if err != nil {
		t.Fatalf("runKeygen: %v", err)
	}
	return keystorePath, identityPath
}

func TestKeygenProducesWorkingAuthority(t *testing.T) {
	dir := t.TempDir()
	keystorePath := filepath.Join(dir, "master.age")
	identityPath := filepath.Join(dir, "identity.txt")

	var out bytes.Buffer
	err := runKeygen(keygenParams{
		keystorePath: keystorePath,
		identityPath: identityPath,
		out:          &out,
	})
	if err != nil {
		t.Fatalf("runKeygen: %v", err)
	}
	if !strings.Contains(out.String(), "recipient: age1") {
		t.Errorf("output missing the recipient line:\n%s", out.String())
	}

	// The written pair must unseal into an authority whose tokens
	// verify, the exact path hivedoor-server takes at startup.
	identity, err := ticket.ReadIdentity(identityPath)
	if err != nil {
		t.Fatalf("ReadIdentity: %v", err)
	}
	secret, err := ticket.LoadMasterSecret(keystorePath, identity)
	if err != nil {
		t.Fatalf("LoadMasterSecret: %v", err)
	}
	authority, err := ticket.NewAuthority(secret, clock.Real())
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	token, err := authority.Mint(ticket.Claims{Role: policy.RoleQueen})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := authority.Verify(token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	keystorePath, identityPath := keystorePair(t)

	params := keygenParams{
		keystorePath: keystorePath,
		identityPath: identityPath,
		out:          io.Discard,
	}
	if err := runKeygen(params); err == nil {
		t.Fatal("second keygen succeeded without force")
	}
	params.force = true
	if err := runKeygen(params); err != nil {
		t.Fatalf("forced keygen: %v", err)
	}
}

func TestMintTokenFromKeystore(t *testing.T) {
	keystorePath, identityPath := keystorePair(t)

	token, err := mintToken(keystorePath, identityPath, ticket.Claims{
		Role:    policy.RoleWorkerHeartbeat,
		Subject: "sensor-7",
		Budget:  ticket.Budget{Ticks: 9},
	})
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}

	raw, err := ticket.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	claims, err := ticket.DecodeClaims(raw)
	if err != nil {
		t.Fatalf("DecodeClaims: %v", err)
	}
	if claims.Subject != "sensor-7" || claims.Budget.Ticks != 9 {
		t.Errorf("claims = %+v, want sensor-7 with 9 ticks", claims)
	}
	if claims.IssuedAt == 0 {
		t.Error("IssuedAt not stamped")
	}
}

func TestMintTokenWithoutKeystore(t *testing.T) {
	dir := t.TempDir()
	_, err := mintToken(
		filepath.Join(dir, "missing.age"),
		filepath.Join(dir, "missing.txt"),
		ticket.Claims{Role: policy.RoleQueen},
	)
	if err == nil {
		t.Fatal("mintToken succeeded without a keystore")
	}
}
