// Package identity manages the Ed25519 keypair that signs hole-punch
// probes and names this endpoint on the network.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Generate creates a fresh Ed25519 keypair.
func Generate() (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// Save writes the key to path in OpenSSH PEM format, encrypted when a
// passphrase is given. Parent directories are created 0700, the file 0600.
func Save(path string, key ed25519.PrivateKey, passphrase []byte) error {
	var block *pem.Block
	var err error
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "", passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(key, "")
	}
	if err != nil {
		return fmt.Errorf("encoding key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// Load reads an OpenSSH-format Ed25519 private key from path.
func Load(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var parsed interface{}
	if len(passphrase) > 0 {
		parsed, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	} else {
		parsed, err = ssh.ParseRawPrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	key, ok := parsed.(*ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an ed25519 key", path)
	}
	return *key, nil
}

// Fingerprint derives a default endpoint identifier from the public half
// of the key: unpadded base64 of SHA256 over the raw public key bytes.
// Users may register any identifier they like; this is the one used when
// none is configured.
func Fingerprint(key ed25519.PrivateKey) string {
	pub := key.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}
