// Package security provides cryptographic signing for the trait-bounds
// manifest and JWT auth for the API. Owner keys (Ed25519) sign the bounds so
// the mutation engine cannot loosen its own limits.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/helixdyn/helix/internal/dna"
)

var (
	// ErrInvalidSignature is returned when bounds signature verification fails.
	ErrInvalidSignature = errors.New("security: invalid bounds signature")
	// ErrMissingSignature is returned when bounds are unsigned but verification is required.
	ErrMissingSignature = errors.New("security: missing bounds signature")
	// ErrMissingPublicKey is returned when the owner public key is absent.
	ErrMissingPublicKey = errors.New("security: missing owner public key")
)

// GenerateOwnerKeyPair generates a new Ed25519 key pair for signing bounds.
func GenerateOwnerKeyPair() (publicKey ed25519.PublicKey, privateKey ed25519.PrivateKey, err error) {
	publicKey, privateKey, err = ed25519.GenerateKey(rand.Reader)
	return
}

// SerializeBounds produces a deterministic JSON representation of a bounds
// manifest suitable for signing. Trait names are sorted alphabetically.
func SerializeBounds(b *dna.Bounds) ([]byte, error) {
	names := make([]string, 0, len(b.Traits))
	for name := range b.Traits {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		tb := b.Traits[name]
		ordered = append(ordered, map[string]interface{}{
			"name":     name,
			"kind":     tb.Kind,
			"min":      tb.Min,
			"max":      tb.Max,
			"required": tb.Required,
		})
	}
	// encoding/json sorts string map keys, so this is reproducible.
	return json.Marshal(ordered)
}

// SignBounds signs the manifest with the owner's private key.
func SignBounds(b *dna.Bounds, privateKey ed25519.PrivateKey) ([]byte, error) {
	msg, err := SerializeBounds(b)
	if err != nil {
		return nil, fmt.Errorf("serialize bounds for signing: %w", err)
	}
	return ed25519.Sign(privateKey, msg), nil
}

// VerifyBounds verifies that the signature matches the manifest and public key.
func VerifyBounds(b *dna.Bounds, signature []byte, publicKey ed25519.PublicKey) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrMissingPublicKey
	}
	if len(signature) == 0 {
		return false, ErrMissingSignature
	}
	msg, err := SerializeBounds(b)
	if err != nil {
		return false, fmt.Errorf("serialize bounds for verification: %w", err)
	}
	return ed25519.Verify(publicKey, msg, signature), nil
}
