package activitypub

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const MinKeyBits = 2048

// Sealer encrypts private key material at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// AgeSealer seals key material to an age X25519 identity.
type AgeSealer struct {
	identity *age.X25519Identity
}

// NewAgeSealer parses an AGE-SECRET-KEY-1... identity string.
func NewAgeSealer(identity string) (*AgeSealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("failed to parse age identity: %w", err)
	}
	return &AgeSealer{identity: id}, nil
}

// GenerateAgeIdentity returns a fresh identity string for NewAgeSealer.
func GenerateAgeIdentity() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *AgeSealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *AgeSealer) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed key: %w", err)
	}
	return io.ReadAll(r)
}

// KeyOptions configures a KeyManager. Zero values pick defaults.
type KeyOptions struct {
	Random io.Reader
	Bits   int
	Grace  time.Duration
	Sealer Sealer
}

// KeyManager owns the signing keys of local actors.
type KeyManager struct {
	store  db.Store
	random io.Reader
	clock  clockwork.Clock
	sealer Sealer
	bits   int
	grace  time.Duration
	log    *zap.Logger

	mu     sync.Mutex
	parsed map[string]*domain.KeyPair // by key id
}

func NewKeyManager(store db.Store, clk clockwork.Clock, opts KeyOptions, log *zap.Logger) *KeyManager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	if opts.Bits < MinKeyBits {
		opts.Bits = MinKeyBits
	}
	if opts.Grace <= 0 {
		opts.Grace = 7 * 24 * time.Hour
	}
	return &KeyManager{
		store:  store,
		random: opts.Random,
		clock:  clk,
		sealer: opts.Sealer,
		bits:   opts.Bits,
		grace:  opts.Grace,
		log:    log,
		parsed: make(map[string]*domain.KeyPair),
	}
}

// KeyID returns the id of the generation-th key of actor.
func KeyID(actor string, generation int) string {
	if generation <= 1 {
		return actor + "#main-key"
	}
	return fmt.Sprintf("%s#key-%d", actor, generation)
}

// Generate creates the first key pair of actor. It fails with ErrConflict
// when the actor already has an active key.
func (m *KeyManager) Generate(ctx context.Context, actor string) (*domain.KeyPair, error) {
	ring, ok, err := db.GetJSON[domain.Keyring](ctx, m.store, db.KeyringKey(actor))
	if err != nil {
		return nil, err
	}
	if ok && ring.Active != nil {
		return nil, fmt.Errorf("%w: %s already has a key", domain.ErrConflict, actor)
	}

	priv, record, err := m.newRecord()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC()

	ring, err = db.UpdateJSON(ctx, m.store, db.KeyringKey(actor), func(r *domain.Keyring, exists bool) error {
		if exists && r.Active != nil {
			return fmt.Errorf("%w: %s already has a key", domain.ErrConflict, actor)
		}
		r.Owner = actor
		r.Generation = 1
		record.KeyID = KeyID(actor, r.Generation)
		record.CreatedAt = now
		r.Active = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	kp := m.remember(ring, priv)
	m.log.Info("Generated key", zap.String("actor", actor), zap.String("keyId", kp.KeyID), zap.String("fingerprint", Fingerprint(&priv.PublicKey)))
	return kp, nil
}

// ActiveKey returns actor's current signing key.
func (m *KeyManager) ActiveKey(ctx context.Context, actor string) (*domain.KeyPair, error) {
	ring, ok, err := db.GetJSON[domain.Keyring](ctx, m.store, db.KeyringKey(actor))
	if err != nil {
		return nil, err
	}
	if !ok || ring.Active == nil {
		return nil, fmt.Errorf("%w: no key for %s", domain.ErrNotFound, actor)
	}

	m.mu.Lock()
	kp, cached := m.parsed[ring.Active.KeyID]
	m.mu.Unlock()
	if cached {
		return kp, nil
	}

	pemBytes := ring.Active.PrivateKey
	if ring.Active.Sealed {
		if m.sealer == nil {
			return nil, fmt.Errorf("%w: key %s is sealed and no identity is configured", domain.ErrFatal, ring.Active.KeyID)
		}
		pemBytes, err = m.sealer.Open(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrFatal, err)
		}
	}
	priv, err := ParsePrivateKey(string(pemBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", domain.ErrFatal, ring.Active.KeyID, err)
	}
	return m.remember(ring, priv), nil
}

// Rotate replaces actor's active key. The previous public key stays
// published until the grace period has passed.
func (m *KeyManager) Rotate(ctx context.Context, actor string) (*domain.KeyPair, error) {
	if _, ok, err := m.store.Get(ctx, db.KeyringKey(actor)); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: no key for %s", domain.ErrNotFound, actor)
	}

	priv, record, err := m.newRecord()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC()
	var retired string

	ring, err := db.UpdateJSON(ctx, m.store, db.KeyringKey(actor), func(r *domain.Keyring, exists bool) error {
		if !exists || r.Active == nil {
			return fmt.Errorf("%w: no key for %s", domain.ErrNotFound, actor)
		}
		kept := r.Retired[:0]
		for _, k := range r.Retired {
			if k.RetiredAt != nil && now.Sub(*k.RetiredAt) < m.grace {
				kept = append(kept, k)
			}
		}
		retiredAt := now
		retired = r.Active.KeyID
		r.Retired = append(kept, domain.PublicKey{
			ID:           r.Active.KeyID,
			Owner:        actor,
			PublicKeyPem: r.Active.PublicKeyPem,
			RetiredAt:    &retiredAt,
		})
		r.Generation++
		record.KeyID = KeyID(actor, r.Generation)
		record.CreatedAt = now
		r.Active = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.parsed, retired)
	m.mu.Unlock()

	kp := m.remember(ring, priv)
	m.log.Info("Rotated key", zap.String("actor", actor), zap.String("retired", retired), zap.String("keyId", kp.KeyID), zap.String("fingerprint", Fingerprint(&priv.PublicKey)))
	return kp, nil
}

// PublicKeys returns the active public key followed by retired keys still
// inside the grace period.
func (m *KeyManager) PublicKeys(ctx context.Context, actor string) ([]domain.PublicKey, error) {
	ring, ok, err := db.GetJSON[domain.Keyring](ctx, m.store, db.KeyringKey(actor))
	if err != nil {
		return nil, err
	}
	if !ok || ring.Active == nil {
		return nil, fmt.Errorf("%w: no key for %s", domain.ErrNotFound, actor)
	}
	now := m.clock.Now()
	keys := []domain.PublicKey{{ID: ring.Active.KeyID, Owner: actor, PublicKeyPem: ring.Active.PublicKeyPem}}
	for _, k := range ring.Retired {
		if k.RetiredAt != nil && now.Sub(*k.RetiredAt) < m.grace {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *KeyManager) newRecord() (*rsa.PrivateKey, *domain.KeyRecord, error) {
	priv, err := rsa.GenerateKey(m.random, m.bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	record := &domain.KeyRecord{
		PublicKeyPem: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKey:   privPEM,
	}
	if m.sealer != nil {
		sealed, err := m.sealer.Seal(privPEM)
		if err != nil {
			return nil, nil, err
		}
		record.PrivateKey = sealed
		record.Sealed = true
	}
	return priv, record, nil
}

func (m *KeyManager) remember(ring *domain.Keyring, priv *rsa.PrivateKey) *domain.KeyPair {
	kp := &domain.KeyPair{
		KeyID:        ring.Active.KeyID,
		Owner:        ring.Owner,
		PublicKeyPem: ring.Active.PublicKeyPem,
		Private:      priv,
		CreatedAt:    ring.Active.CreatedAt,
	}
	m.mu.Lock()
	m.parsed[kp.KeyID] = kp
	m.mu.Unlock()
	return kp
}

// Fingerprint is the OpenSSH-style SHA256 fingerprint of pub, safe to log.
func Fingerprint(pub *rsa.PublicKey) string {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sshPub)
}
