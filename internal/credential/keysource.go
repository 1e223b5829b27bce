package credential

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jwksKeysTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proctor_credential_jwks_keys_total",
			Help: "Current number of RS256 keys held by the credential verifier",
		},
		[]string{"provider"},
	)
	jwksRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_credential_jwks_key_rotations_total",
			Help: "Total number of key-set rotations detected",
		},
		[]string{"provider"},
	)
	jwksFetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_credential_jwks_fetch_errors_total",
			Help: "Total number of JWKS fetch errors",
		},
		[]string{"provider", "reason"},
	)
)

// KeySource resolves a key ID to an RSA public key used to verify
// RS256-signed identity tokens.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// StaticKeySource serves a single PEM-encoded public key regardless of
// the token's kid header, for deployments without key rotation.
type StaticKeySource struct {
	key *rsa.PublicKey
}

// NewStaticKeySource loads a PEM-encoded RSA public key from path.
func NewStaticKeySource(path string) (*StaticKeySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in public key file")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	jwksKeysTotal.WithLabelValues("static").Set(1)
	return &StaticKeySource{key: rsaPub}, nil
}

func (s *StaticKeySource) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if s.key == nil {
		return nil, errors.New("static key source not initialized")
	}
	return s.key, nil
}

// RotatingKeySource fetches and caches an RFC 7517 JWKS document,
// tracking key-set rotation for the credential dashboard metrics.
type RotatingKeySource struct {
	uri        string
	httpClient *http.Client
	ttl        time.Duration
	provider   string

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	initialized bool
}

func NewRotatingKeySource(uri string, ttl time.Duration, provider string) *RotatingKeySource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if provider == "" {
		provider = "default"
	}
	return &RotatingKeySource{
		uri:        uri,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		ttl:        ttl,
		provider:   provider,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

func (s *RotatingKeySource) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, ok := s.keys[kid]
	stale := time.Since(s.fetchedAt) > s.ttl
	s.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	if err := s.refresh(ctx); err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}
	s.mu.RLock()
	key, ok = s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key id %q not found in jwks", kid)
	}
	return key, nil
}

func (s *RotatingKeySource) refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.fetchedAt) < s.ttl && len(s.keys) > 0 {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.uri, http.NoBody)
	if err != nil {
		jwksFetchErrorsTotal.WithLabelValues(s.provider, "request").Inc()
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		jwksFetchErrorsTotal.WithLabelValues(s.provider, "network").Inc()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		jwksFetchErrorsTotal.WithLabelValues(s.provider, "http_status").Inc()
		return fmt.Errorf("jwks fetch failed with status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		jwksFetchErrorsTotal.WithLabelValues(s.provider, "decode").Inc()
		return err
	}

	next := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := decodeRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}

	if s.initialized && keySetChanged(s.keys, next) {
		jwksRotationsTotal.WithLabelValues(s.provider).Inc()
	}
	s.keys = next
	s.fetchedAt = time.Now()
	s.initialized = true
	jwksKeysTotal.WithLabelValues(s.provider).Set(float64(len(next)))
	return nil
}

func keySetChanged(old, next map[string]*rsa.PublicKey) bool {
	if len(old) != len(next) {
		return true
	}
	for kid := range next {
		if _, ok := old[kid]; !ok {
			return true
		}
	}
	return false
}

func decodeRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
