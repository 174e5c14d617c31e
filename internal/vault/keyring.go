package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every master secret and derived key.
const KeySize = 32

// Argon2id parameters for passphrase-derived rings. Changing any of them
// changes the derived secret and orphans existing ciphertext.
const (
	PassphraseTime    = 3
	PassphraseMemory  = 64 * 1024 // KiB
	PassphraseThreads = 4

	// MinSaltLen is the shortest salt KeyRingFromPassphrase accepts.
	MinSaltLen = 16
)

// ErrInvalidKeyRing is returned when a key ring is malformed.
var ErrInvalidKeyRing = errors.New("invalid key ring")

// KeyRing holds versioned master secrets. Version numbers start at 1 and
// only grow; Current names the version new ciphertext is sealed under.
type KeyRing struct {
	Current uint32
	Keys    map[uint32][]byte
}

type keyRingFile struct {
	Current uint32         `json:"current"`
	Keys    []keyRingEntry `json:"keys"`
}

type keyRingEntry struct {
	Version uint32 `json:"version"`
	Key     string `json:"key"`
}

// NewKeyRing creates a ring whose version 1 is secret.
func NewKeyRing(secret []byte) (*KeyRing, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: master secret must be %d bytes, got %d", ErrInvalidKeyRing, KeySize, len(secret))
	}
	return &KeyRing{
		Current: 1,
		Keys:    map[uint32][]byte{1: append([]byte(nil), secret...)},
	}, nil
}

// GenerateKeyRing creates a ring with one random master secret.
func GenerateKeyRing() (*KeyRing, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	return NewKeyRing(secret)
}

// KeyRingFromPassphrase stretches a passphrase into a version 1 master
// secret with Argon2id. The salt is installation specific and must be at
// least MinSaltLen bytes.
func KeyRingFromPassphrase(passphrase, salt string) (*KeyRing, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKeyRing)
	}
	if len(salt) < MinSaltLen {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes, got %d", ErrInvalidKeyRing, MinSaltLen, len(salt))
	}
	secret := argon2.IDKey([]byte(passphrase), []byte(salt),
		PassphraseTime, PassphraseMemory, PassphraseThreads, KeySize)
	return NewKeyRing(secret)
}

// Clone returns a deep copy.
func (r *KeyRing) Clone() *KeyRing {
	c := &KeyRing{Current: r.Current, Keys: make(map[uint32][]byte, len(r.Keys))}
	for v, k := range r.Keys {
		c.Keys[v] = append([]byte(nil), k...)
	}
	return c
}

// Versions returns key versions in ascending order.
func (r *KeyRing) Versions() []uint32 {
	out := make([]uint32, 0, len(r.Keys))
	for v := range r.Keys {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that the ring is usable.
func (r *KeyRing) Validate() error {
	if len(r.Keys) == 0 {
		return fmt.Errorf("%w: no keys", ErrInvalidKeyRing)
	}
	if _, ok := r.Keys[r.Current]; !ok {
		return fmt.Errorf("%w: current version %d not present", ErrInvalidKeyRing, r.Current)
	}
	for v, k := range r.Keys {
		if v == 0 {
			return fmt.Errorf("%w: version 0 is reserved", ErrInvalidKeyRing)
		}
		if len(k) != KeySize {
			return fmt.Errorf("%w: version %d key is %d bytes", ErrInvalidKeyRing, v, len(k))
		}
	}
	return nil
}

// LoadKeyRing reads a key ring file.
func LoadKeyRing(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading key ring: %w", err)
	}
	return parseKeyRing(data)
}

func parseKeyRing(data []byte) (*KeyRing, error) {
	var f keyRingFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyRing, err)
	}
	r := &KeyRing{Current: f.Current, Keys: make(map[uint32][]byte, len(f.Keys))}
	for _, e := range f.Keys {
		if _, dup := r.Keys[e.Version]; dup {
			return nil, fmt.Errorf("%w: duplicate version %d", ErrInvalidKeyRing, e.Version)
		}
		k, err := base64.StdEncoding.DecodeString(e.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: version %d: %v", ErrInvalidKeyRing, e.Version, err)
		}
		r.Keys[e.Version] = k
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveKeyRing writes the ring atomically with 0600 permissions.
func SaveKeyRing(path string, r *KeyRing) error {
	if err := r.Validate(); err != nil {
		return err
	}
	f := keyRingFile{Current: r.Current}
	for _, v := range r.Versions() {
		f.Keys = append(f.Keys, keyRingEntry{Version: v, Key: base64.StdEncoding.EncodeToString(r.Keys[v])})
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding key ring: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating key ring dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keyring-*")
	if err != nil {
		return fmt.Errorf("creating temp key ring: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod key ring: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing key ring: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing key ring: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing key ring: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing key ring: %w", err)
	}
	return nil
}

func randomSecret() ([]byte, error) {
	secret := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generating master secret: %w", err)
	}
	return secret, nil
}

func hkdfExpand(ikm, salt, info []byte) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return out, nil
}
