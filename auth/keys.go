package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// Keystore owns the RS256 signing keys for all token kinds and exposes the
// public half as a JWKS so cooperating services can verify websocket tokens
// out of band.
type Keystore struct {
	mu          sync.RWMutex
	current     signingKey
	previous    []signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewKeystore loads persisted keys or generates a fresh pair.
func NewKeystore(storePath string, rotateEvery time.Duration, logger *slog.Logger) (*Keystore, error) {
	ks := &Keystore{
		rotateEvery: rotateEvery,
		storePath:   storePath,
		logger:      logger,
	}

	if storePath != "" {
		if err := ks.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if ks.current.PrivateKey == nil {
		if err := ks.rotate(); err != nil {
			return nil, err
		}
	}

	return ks, nil
}

// StartRotation launches the background rotation ticker.
func (ks *Keystore) StartRotation(stop <-chan struct{}) {
	if ks.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(ks.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ks.rotate(); err != nil {
					ks.logger.Error("key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs the claims and stamps the current kid into the header.
func (ks *Keystore) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	token.Header["kid"] = ks.current.Kid
	return token.SignedString(ks.current.PrivateKey)
}

// Keyfunc resolves the verification key during JWT parsing. Tokens signed by
// the previous key remain valid across one rotation.
func (ks *Keystore) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if kid == "" || kid == ks.current.Kid {
		return &ks.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range ks.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return &ks.current.PrivateKey.PublicKey, nil
}

// PublicJWKS exposes the public keys.
func (ks *Keystore) PublicJWKS() jose.JSONWebKeySet {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	keys := []jose.JSONWebKey{ks.current.JWK.Public()}
	for _, prev := range ks.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (ks *Keystore) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	ks.mu.Lock()
	if ks.current.PrivateKey != nil {
		ks.previous = append([]signingKey{ks.current}, ks.previous...)
		if len(ks.previous) > 1 {
			ks.previous = ks.previous[:1]
		}
	}
	ks.current = signingKey{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	ks.mu.Unlock()

	if ks.storePath != "" {
		return ks.persist()
	}
	return nil
}

func (ks *Keystore) persist() error {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	keys := []jose.JSONWebKey{ks.current.JWK}
	for _, prev := range ks.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ks.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(ks.storePath, payload, 0o600)
}

func (ks *Keystore) loadFromDisk() error {
	payload, err := os.ReadFile(ks.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in keystore")
	}
	var prev []signingKey
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := signingKey{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()}
		if i == 0 {
			ks.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	ks.previous = prev
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
