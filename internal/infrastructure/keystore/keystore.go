package keystore

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/clipstake/clipstake/internal/protocol"
)

// FileName is the identity file created under the data directory.
const FileName = "identity.json"

const (
	fileVersion  = 1
	cipherNone   = "none"
	cipherSealed = "argon2id-xchacha20poly1305"

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltLen      = 32
)

var ErrCorruptIdentity = errors.New("corrupt identity file")

// Options configures where and how the signing key is kept.
type Options struct {
	DataDir    string
	Passphrase string
}

type identityFile struct {
	Version int    `json:"version"`
	Address string `json:"address"`
	Cipher  string `json:"cipher"`
	Key     string `json:"key"`
	Salt    string `json:"salt,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// Store owns the process signing identity.
type Store struct {
	mu     sync.RWMutex
	opts   Options
	key    *ecdsa.PrivateKey
	reason string
	logger zerolog.Logger
}

// Open restores the persisted key or creates and persists a new one. When
// storage is unusable the store falls back to an in-memory key and reports
// itself as degraded instead of failing.
func Open(opts Options, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		opts:   opts,
		logger: logger.With().Str("component", "keystore").Logger(),
	}
	if strings.TrimSpace(opts.DataDir) == "" {
		return s, s.fallback("no data directory configured")
	}

	key, err := s.load()
	switch {
	case err == nil:
		s.key = key
		s.logger.Info().Str("address", s.Address()).Msg("signing identity restored")
		return s, nil
	case errors.Is(err, os.ErrNotExist):
	case errors.Is(err, ErrCorruptIdentity):
		return s, s.fallback(err.Error())
	default:
		return s, s.fallback(fmt.Sprintf("read identity: %v", err))
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	s.key = key
	if err := s.persist(key); err != nil {
		s.markDegraded(fmt.Sprintf("persist identity: %v", err))
		return s, nil
	}
	s.logger.Info().Str("address", s.Address()).Msg("signing identity created")
	return s, nil
}

func (s *Store) fallback(reason string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	s.key = key
	s.markDegraded(reason)
	return nil
}

func (s *Store) markDegraded(reason string) {
	s.reason = reason
	s.logger.Warn().Str("reason", reason).Msg("signing identity is in-memory only; session will not survive restart")
}

// Address returns the EIP-55 checksummed address of the identity.
func (s *Store) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// Degraded reports whether the key lives only in memory.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason != ""
}

func (s *Store) DegradedReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Sign signs keccak256(payload) and returns a 65-byte 0x-hex signature with
// V in {27, 28}.
func (s *Store) Sign(payload []byte) (string, error) {
	sig, err := s.SignHash(crypto.Keccak256(payload))
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// SignHash signs a 32-byte digest.
func (s *Store) SignHash(digest []byte) ([]byte, error) {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Clear removes the persisted identity and rotates to a fresh key, which is
// persisted again when storage allows.
func (s *Store) Clear() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.DataDir != "" {
		if err := os.Remove(s.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove identity: %w", err)
		}
	}
	s.key = key
	s.reason = ""
	if s.opts.DataDir == "" {
		s.reason = "no data directory configured"
		return nil
	}
	if err := s.persist(key); err != nil {
		s.reason = fmt.Sprintf("persist identity: %v", err)
		s.logger.Warn().Str("reason", s.reason).Msg("rotated identity is in-memory only")
		return nil
	}
	s.logger.Info().Str("address", crypto.PubkeyToAddress(key.PublicKey).Hex()).Msg("signing identity rotated")
	return nil
}

// Verify reports whether signature over payload was produced by address.
func Verify(address string, payload []byte, signature string) bool {
	signer, err := protocol.Recover(payload, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(signer.Hex(), address)
}

func (s *Store) path() string {
	return filepath.Join(s.opts.DataDir, FileName)
}

func (s *Store) load() (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(s.path())
	if err != nil {
		return nil, err
	}
	var f identityFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIdentity, err)
	}
	keyBytes, err := hexutil.Decode(f.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrCorruptIdentity, err)
	}
	switch f.Cipher {
	case cipherNone, "":
	case cipherSealed:
		keyBytes, err = s.open(f, keyBytes)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown cipher %q", ErrCorruptIdentity, f.Cipher)
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIdentity, err)
	}
	if f.Address != "" && !strings.EqualFold(f.Address, crypto.PubkeyToAddress(key.PublicKey).Hex()) {
		return nil, fmt.Errorf("%w: address mismatch", ErrCorruptIdentity)
	}
	return key, nil
}

func (s *Store) open(f identityFile, sealed []byte) ([]byte, error) {
	if s.opts.Passphrase == "" {
		return nil, fmt.Errorf("%w: identity is sealed and no passphrase is set", ErrCorruptIdentity)
	}
	salt, err := hexutil.Decode(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrCorruptIdentity, err)
	}
	nonce, err := hexutil.Decode(f.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce", ErrCorruptIdentity)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(s.opts.Passphrase, salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, sealed, []byte(f.Address))
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or tampered file", ErrCorruptIdentity)
	}
	return plain, nil
}

func (s *Store) persist(key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(s.opts.DataDir, 0o700); err != nil {
		return err
	}
	f := identityFile{
		Version: fileVersion,
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Cipher:  cipherNone,
	}
	plain := crypto.FromECDSA(key)
	if s.opts.Passphrase == "" {
		f.Key = hexutil.Encode(plain)
	} else {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		aead, err := chacha20poly1305.NewX(deriveKey(s.opts.Passphrase, salt))
		if err != nil {
			return err
		}
		f.Cipher = cipherSealed
		f.Salt = hexutil.Encode(salt)
		f.Nonce = hexutil.Encode(nonce)
		f.Key = hexutil.Encode(aead.Seal(nil, nonce, plain, []byte(f.Address)))
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.opts.DataDir, FileName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path())
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}
