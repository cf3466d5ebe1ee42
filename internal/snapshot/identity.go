// internal/snapshot/identity.go
package snapshot

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Identity is the local author: a display name and the ed25519 signing
// key used to sign every snapshot this device publishes.
type Identity struct {
	Name string
	Key  ed25519.PrivateKey
}

func (id *Identity) Author() Author {
	return Author{
		Name:      id.Name,
		VerifyKey: []byte(id.Key.Public().(ed25519.PublicKey)),
	}
}

func GenerateIdentity(name string) (*Identity, error) {
	if name == "" {
		return nil, fmt.Errorf("author name is required")
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &Identity{Name: name, Key: priv}, nil
}

type identityFile struct {
	Name       string `json:"name"`
	PrivateKey string `json:"private_key"` // hex-encoded ed25519 seed+public
}

func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}

	key, err := hex.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has wrong length %d", len(key))
	}

	return &Identity{Name: f.Name, Key: ed25519.PrivateKey(key)}, nil
}

func SaveIdentity(path string, id *Identity) error {
	data, err := json.MarshalIndent(identityFile{
		Name:       id.Name,
		PrivateKey: hex.EncodeToString(id.Key),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
