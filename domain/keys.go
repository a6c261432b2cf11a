package domain

import (
	"crypto/rsa"
	"fmt"
	"time"
)

// KeyPair is the active signing key of a local actor.
// The private half is never marshalled or printed.
type KeyPair struct {
	KeyID        string          `json:"keyId"`
	Owner        string          `json:"owner"`
	PublicKeyPem string          `json:"publicKeyPem"`
	Private      *rsa.PrivateKey `json:"-"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (k KeyPair) String() string {
	return fmt.Sprintf("KeyPair{%s}", k.KeyID)
}

func (k KeyPair) GoString() string {
	return k.String()
}

// KeyRecord is the stored form of an active key pair. PrivateKey is either a
// PKCS#1 PEM block or, when Sealed is set, an age-encrypted PEM block.
type KeyRecord struct {
	KeyID        string    `json:"keyId"`
	PublicKeyPem string    `json:"publicKeyPem"`
	PrivateKey   []byte    `json:"privateKey"`
	Sealed       bool      `json:"sealed,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Keyring is the per-actor key document: exactly one active key and the
// public halves of keys retired by rotation.
type Keyring struct {
	Owner      string      `json:"owner"`
	Generation int         `json:"generation"`
	Active     *KeyRecord  `json:"active"`
	Retired    []PublicKey `json:"retired,omitempty"`
}
