// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// MasterSecretSize is the size in bytes of the deployment master
// secret all role keys derive from.
const MasterSecretSize = 32

// GenerateMasterSecret returns a fresh random master secret.
func GenerateMasterSecret() ([]byte, error) {
	secret := make([]byte, MasterSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("ticket: generating master secret: %w", err)
	}
	return secret, nil
}

// GenerateRecipient generates an age x25519 keypair for keystore
// sealing. The identity string (AGE-SECRET-KEY-1...) unseals; the
// recipient string (age1...) is safe to publish.
func GenerateRecipient() (identity, recipient string, err error) {
	generated, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("ticket: generating age keypair: %w", err)
	}
	return generated.String(), generated.Recipient().String(), nil
}

// SealMasterSecret encrypts the master secret to one or more age
// recipients and returns a single-line base64 ciphertext, the on-disk
// keystore format. Sealing to several recipients lets the daemon key
// and an operator escrow key both open the same keystore.
func SealMasterSecret(secret []byte, recipientKeys []string) (string, error) {
	if len(secret) != MasterSecretSize {
		return "", fmt.Errorf("ticket: master secret is %d bytes, want %d", len(secret), MasterSecretSize)
	}
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("ticket: at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("ticket: parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("ticket: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(secret); err != nil {
		return "", fmt.Errorf("ticket: sealing master secret: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("ticket: finalizing seal: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// UnsealMasterSecret decrypts a sealed keystore line with an age
// identity and returns the master secret.
func UnsealMasterSecret(sealed string, identityKey string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(identityKey))
	if err != nil {
		return nil, fmt.Errorf("ticket: parsing identity key: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, fmt.Errorf("ticket: decoding keystore ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("ticket: unsealing keystore: %w", err)
	}
	secret, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("ticket: reading unsealed secret: %w", err)
	}
	if len(secret) != MasterSecretSize {
		return nil, fmt.Errorf("ticket: unsealed secret is %d bytes, want %d", len(secret), MasterSecretSize)
	}
	return secret, nil
}

// WriteKeystore writes a sealed keystore line to path with owner-only
// permissions.
func WriteKeystore(path, sealed string) error {
	if err := os.WriteFile(path, []byte(sealed+"\n"), 0o600); err != nil {
		return fmt.Errorf("ticket: writing keystore: %w", err)
	}
	return nil
}

// ReadKeystore reads the sealed keystore line from path.
func ReadKeystore(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ticket: reading keystore: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}

// WriteIdentity writes an age identity to path with owner-only
// permissions.
func WriteIdentity(path, identity string) error {
	if err := os.WriteFile(path, []byte(identity+"\n"), 0o600); err != nil {
		return fmt.Errorf("ticket: writing identity: %w", err)
	}
	return nil
}

// ReadIdentity reads an age identity file and returns the secret key
// line. Comment lines from age-keygen output are skipped, so both bare
// keys and full age-keygen files load.
func ReadIdentity(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ticket: reading identity: %w", err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("ticket: no identity key in %s", path)
}

// LoadMasterSecret reads and unseals a keystore file in one step. The
// daemon calls this at startup with the identity from its config.
func LoadMasterSecret(path, identityKey string) ([]byte, error) {
	sealed, err := ReadKeystore(path)
	if err != nil {
		return nil, err
	}
	return UnsealMasterSecret(sealed, identityKey)
}
