package s2s

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/logging"
)

// Signing modes.
const (
	ModeHS256 = "hs256"
	ModeRS256 = "rs256"
)

// Signer mints short-lived caller tokens. Every outbound request carries a
// fresh token; nothing is reused across calls. In rs256 mode the private
// key file is watched and rotates without restart.
type Signer struct {
	mode     string
	issuer   string
	subject  string
	audience string
	ttl      time.Duration

	secret []byte

	mu      sync.RWMutex
	key     *rsa.PrivateKey
	keyFile string
	watcher *fsnotify.Watcher

	log    *logging.Logger
	minted atomic.Int64
}

// NewSigner builds a signer for the service named by subject. The issuer
// defaults to the subject when the config leaves it empty.
func NewSigner(cfg config.S2SConfig, subject string, log *logging.Logger) (*Signer, error) {
	if log == nil {
		log = logging.Global()
	}
	s := &Signer{
		mode:     cfg.Mode,
		issuer:   cfg.Issuer,
		subject:  subject,
		audience: cfg.Audience,
		ttl:      cfg.TokenTTL,
		log:      log,
	}
	if s.issuer == "" {
		s.issuer = subject
	}
	if s.audience == "" {
		s.audience = "internal-services"
	}
	if s.ttl <= 0 {
		s.ttl = 90 * time.Second
	}

	switch cfg.Mode {
	case ModeHS256, "":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("s2s signer: hs256 requires a shared secret")
		}
		s.mode = ModeHS256
		s.secret = []byte(cfg.Secret)
	case ModeRS256:
		if cfg.PrivateKeyFile == "" {
			return nil, fmt.Errorf("s2s signer: rs256 requires private_key_file")
		}
		key, err := loadRSAPrivateKey(cfg.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		s.key = key
		s.keyFile = cfg.PrivateKeyFile
		if err := s.watchKeyFile(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("s2s signer: unsupported mode %q", cfg.Mode)
	}
	return s, nil
}

// Mint issues one token: iss/sub identify the caller, aud pins the mesh,
// exp is iat plus the configured lifetime, jti makes the token single-use
// under replay detection.
func (s *Signer) Mint() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": s.subject,
		"aud": s.audience,
		"svc": s.subject,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
		"jti": uuid.NewString(),
	}

	var (
		tok string
		err error
	)
	switch s.mode {
	case ModeHS256:
		tok, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	case ModeRS256:
		s.mu.RLock()
		key := s.key
		s.mu.RUnlock()
		tok, err = jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	default:
		return "", fmt.Errorf("s2s signer: unsupported mode %q", s.mode)
	}
	if err != nil {
		return "", fmt.Errorf("s2s signer: signing failed: %w", err)
	}
	s.minted.Add(1)
	return tok, nil
}

// Minted reports how many tokens this signer has issued.
func (s *Signer) Minted() int64 {
	return s.minted.Load()
}

// Close stops the key-file watcher, if any.
func (s *Signer) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// watchKeyFile watches the key file's directory so rotations that replace
// the file (rename-over) are still seen.
func (s *Signer) watchKeyFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("s2s signer: watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.keyFile)); err != nil {
		w.Close()
		return fmt.Errorf("s2s signer: watching %s: %w", filepath.Dir(s.keyFile), err)
	}
	s.watcher = w
	go s.watch()
	return nil
}

func (s *Signer) watch() {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.keyFile) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, s.reloadKey)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("s2s: key watcher error", zap.Error(err))
		}
	}
}

// reloadKey swaps in the rotated key. A broken file keeps the previous
// key so in-flight minting never stops.
func (s *Signer) reloadKey() {
	key, err := loadRSAPrivateKey(s.keyFile)
	if err != nil {
		s.log.Warn("s2s: key reload failed, keeping previous key",
			zap.String("file", s.keyFile), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	s.log.Info("s2s: signing key rotated", zap.String("file", s.keyFile))
}

func loadRSAPrivateKey(file string) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("s2s signer: reading key file: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("s2s signer: no PEM block in %s", file)
	}

	// Try PKCS8, then PKCS1.
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		rsaKey, err2 := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("s2s signer: parsing key: not PKCS8 (%v) or PKCS1 (%v)", err, err2)
		}
		return rsaKey, nil
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("s2s signer: key is not RSA (got %T)", key)
	}
	return rsaKey, nil
}
