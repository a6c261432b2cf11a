package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/go-fed/httpsig"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	postHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
	getHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Signer signs outgoing requests.
type Signer struct {
	clock clockwork.Clock
	cpu   *semaphore.Weighted
}

func NewSigner(clk clockwork.Clock) *Signer {
	return &Signer{clock: clk, cpu: semaphore.NewWeighted(int64(runtime.NumCPU()))}
}

// SignRequest sets Host and Date and signs req with key. A non-nil body is
// covered by a SHA-256 Digest header; body must be exactly what is sent.
func (s *Signer) SignRequest(ctx context.Context, req *http.Request, body []byte, key *domain.KeyPair) error {
	if key == nil || key.Private == nil {
		return fmt.Errorf("%w: no signing key", domain.ErrNotFound)
	}
	headers := getHeaders
	if body != nil {
		headers = postHeaders
	}
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Date", s.clock.Now().UTC().Format(http.TimeFormat))
	req.Header.Del("Digest")
	req.Header.Del("Signature")

	if err := s.cpu.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.cpu.Release(1)
	if err := signer.SignRequest(key.Private, key.KeyID, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	// httpsig always advertises hs2019; the algorithm parameter is not part
	// of the signed string.
	req.Header.Set("Signature", strings.Replace(req.Header.Get("Signature"), `algorithm="hs2019"`, `algorithm="rsa-sha256"`, 1))
	return nil
}

// KeyResolver finds the public key behind a keyId. The returned key's Owner
// is the id of the actor document that publishes it.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (*domain.PublicKey, error)
}

// Authenticated is the result of a successful verification.
type Authenticated struct {
	KeyID string
	Actor string
}

// Verifier checks inbound request signatures.
type Verifier struct {
	keys  KeyResolver
	clock clockwork.Clock
	skew  time.Duration
	cpu   *semaphore.Weighted
	log   *zap.Logger
}

func NewVerifier(keys KeyResolver, clk clockwork.Clock, skew time.Duration, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	if skew <= 0 {
		skew = 12 * time.Hour
	}
	return &Verifier{
		keys:  keys,
		clock: clk,
		skew:  skew,
		cpu:   semaphore.NewWeighted(int64(runtime.NumCPU())),
		log:   log,
	}
}

// signatureHeader returns the Signature header, or the Authorization header
// value of the Signature scheme.
func signatureHeader(req *http.Request) string {
	if raw := req.Header.Get("Signature"); raw != "" {
		return raw
	}
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
		return strings.TrimPrefix(auth, "Signature ")
	}
	return ""
}

// signatureKeyID returns the unverified keyId of req, or "".
func signatureKeyID(req *http.Request) string {
	params, err := parseSignatureHeader(signatureHeader(req))
	if err != nil {
		return ""
	}
	return params["keyId"]
}

// Verify authenticates req whose body has already been read into body.
// Every failure is ErrUnauthorized except cancellation of ctx.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte) (*Authenticated, error) {
	raw := signatureHeader(req)
	if raw == "" {
		return nil, v.reject(req, "", "missing signature header", nil)
	}
	params, err := parseSignatureHeader(raw)
	if err != nil {
		return nil, v.reject(req, "", "malformed signature header", err)
	}
	keyID := params["keyId"]
	if keyID == "" || params["signature"] == "" {
		return nil, v.reject(req, keyID, "signature header lacks keyId or signature", nil)
	}

	algo, ok := verifyAlgorithm(params["algorithm"])
	if !ok {
		return nil, v.reject(req, keyID, "unsupported algorithm "+params["algorithm"], nil)
	}

	covered := strings.Fields(strings.ToLower(params["headers"]))
	if len(covered) == 0 {
		covered = []string{"date"}
	}
	needDigest := len(body) > 0 || (req.Method != http.MethodGet && req.Method != http.MethodHead)
	required := getHeaders
	if needDigest {
		required = postHeaders
	}
	for _, h := range required {
		if !contains(covered, h) {
			return nil, v.reject(req, keyID, "signature does not cover "+h, nil)
		}
	}

	date, err := http.ParseTime(req.Header.Get("Date"))
	if err != nil {
		return nil, v.reject(req, keyID, "bad date header", err)
	}
	if d := v.clock.Now().Sub(date); d > v.skew || d < -v.skew {
		return nil, v.reject(req, keyID, "date outside clock skew window", nil)
	}

	if needDigest {
		if !digestMatches(req.Header.Get("Digest"), body) {
			return nil, v.reject(req, keyID, "digest mismatch", nil)
		}
	}

	key, err := v.keys.ResolveKey(ctx, keyID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, v.reject(req, keyID, "key resolution failed", err)
	}
	pub, err := ParsePublicKey(key.PublicKeyPem)
	if err != nil {
		return nil, v.reject(req, keyID, "unusable public key", err)
	}

	// The server side moves Host out of the header map.
	signed := req.Clone(ctx)
	if signed.Header.Get("Host") == "" {
		signed.Header.Set("Host", req.Host)
	}
	verifier, err := httpsig.NewVerifier(signed)
	if err != nil {
		return nil, v.reject(req, keyID, "malformed signature header", err)
	}

	if err := v.cpu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	err = verifier.Verify(pub, algo)
	v.cpu.Release(1)
	if err != nil {
		return nil, v.reject(req, keyID, "signature mismatch", err)
	}

	return &Authenticated{KeyID: keyID, Actor: key.Owner}, nil
}

func (v *Verifier) reject(req *http.Request, keyID, reason string, cause error) error {
	v.log.Debug("Rejected signature",
		zap.String("path", req.URL.Path),
		zap.String("keyId", keyID),
		zap.String("reason", reason),
		zap.Error(cause))
	return fmt.Errorf("%w: %s", domain.ErrUnauthorized, reason)
}

func verifyAlgorithm(name string) (httpsig.Algorithm, bool) {
	switch strings.ToLower(name) {
	case "", "hs2019", "rsa-sha256":
		return httpsig.RSA_SHA256, true
	case "rsa-sha512":
		return httpsig.RSA_SHA512, true
	}
	return "", false
}

// digestMatches checks the SHA-256 entry of a possibly multi-valued Digest
// header against body.
func digestMatches(header string, body []byte) bool {
	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		return "SHA-256="+value == want
	}
	return false
}

// parseSignatureHeader splits `k1="v1",k2="v2"` into a map. Commas inside
// quoted values are kept.
func parseSignatureHeader(s string) (map[string]string, error) {
	params := make(map[string]string)
	for i := 0; i < len(s); {
		for i < len(s) && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		if i == len(s) {
			break
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq <= 0 {
			return nil, errors.New("expected key=value")
		}
		key := strings.TrimSpace(s[i : i+eq])
		i += eq + 1

		var value string
		if i < len(s) && s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, errors.New("unterminated quoted value")
			}
			value = s[i+1 : i+1+end]
			i += end + 2
		} else {
			end := strings.IndexByte(s[i:], ',')
			if end < 0 {
				end = len(s) - i
			}
			value = strings.TrimSpace(s[i : i+end])
			i += end
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("duplicate parameter %s", key)
		}
		params[key] = value
	}
	return params, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey converts a PKIX or PKCS#1 PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
