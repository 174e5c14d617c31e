// Package vault seals event payloads at rest.
//
// Ciphertext layout:
//
//	[magic 0x50] [key version: 4 bytes big-endian] [nonce: 24 bytes] [ciphertext+tag]
//
// The 5-byte header is bound as additional authenticated data, so
// tampering with the magic or the version fails authentication instead of
// silently selecting another key.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	magic      byte = 0x50
	headerSize      = 1 + 4

	// Overhead is the per-payload size increase: header, nonce and Poly1305 tag.
	Overhead = headerSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

// HKDF info strings. Changing either invalidates existing ciphertext or
// fingerprints.
const (
	infoDataKeyPrefix  = "pulsed.vault.v1/"
	infoFingerprintKey = "pulsed.vault.fingerprint.v1"
)

var (
	// ErrEncryption is the root of every vault failure.
	ErrEncryption = errors.New("encryption failure")

	// ErrDecrypt is returned when a payload cannot be authenticated or opened.
	ErrDecrypt = fmt.Errorf("%w: decrypt", ErrEncryption)

	// ErrUnknownKeyVersion is returned when ciphertext names a version the ring lacks.
	ErrUnknownKeyVersion = fmt.Errorf("%w: unknown key version", ErrDecrypt)
)

// Vault encrypts and decrypts payloads with a rotating key ring.
// Safe for concurrent use.
type Vault struct {
	// rotateMu serializes ring replacement; mu guards the fields below it.
	rotateMu sync.Mutex

	mu      sync.RWMutex
	ring    *KeyRing
	aeads   map[uint32]cipher.AEAD
	fpKey   []byte
	path    string
	logger  *zap.Logger
	randSrc io.Reader
}

// Option configures a Vault.
type Option func(*Vault)

// WithKeyRingPath persists the ring to path after every rotation.
func WithKeyRingPath(path string) Option {
	return func(v *Vault) { v.path = path }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// New creates a vault over ring. The ring is copied.
func New(ring *KeyRing, opts ...Option) (*Vault, error) {
	v := &Vault{logger: zap.NewNop(), randSrc: rand.Reader}
	for _, opt := range opts {
		opt(v)
	}
	if err := v.install(ring); err != nil {
		return nil, err
	}
	return v, nil
}

// install derives keys for ring and swaps it in. The fingerprint key is
// derived from the oldest version so it survives rotation.
func (v *Vault) install(ring *KeyRing) error {
	if ring == nil {
		return fmt.Errorf("%w: nil", ErrInvalidKeyRing)
	}
	if err := ring.Validate(); err != nil {
		return err
	}
	ring = ring.Clone()

	aeads := make(map[uint32]cipher.AEAD, len(ring.Keys))
	for ver, secret := range ring.Keys {
		a, err := newAEAD(secret, ver)
		if err != nil {
			return err
		}
		aeads[ver] = a
	}
	fpKey, err := hkdfExpand(ring.Keys[ring.Versions()[0]], nil, []byte(infoFingerprintKey))
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ring != nil {
		for ver, old := range v.ring.Keys {
			k, ok := ring.Keys[ver]
			if !ok {
				return fmt.Errorf("%w: new ring drops version %d", ErrInvalidKeyRing, ver)
			}
			if subtle.ConstantTimeCompare(k, old) != 1 {
				return fmt.Errorf("%w: new ring changes version %d", ErrInvalidKeyRing, ver)
			}
		}
	}
	v.ring = ring
	v.aeads = aeads
	v.fpKey = fpKey
	return nil
}

func newAEAD(secret []byte, version uint32) (cipher.AEAD, error) {
	key, err := hkdfExpand(secret, nil, []byte(infoDataKeyPrefix+strconv.FormatUint(uint64(version), 10)))
	if err != nil {
		return nil, err
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return a, nil
}

// Encrypt seals plaintext under the current key version. Zero-length
// plaintext is valid.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	version := v.ring.Current
	aead := v.aeads[version]
	v.mu.RUnlock()

	out := make([]byte, headerSize+chacha20poly1305.NonceSizeX, Overhead+len(plaintext))
	out[0] = magic
	binary.BigEndian.PutUint32(out[1:headerSize], version)

	nonce := out[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	if _, err := io.ReadFull(v.randSrc, nonce); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", ErrEncryption, err)
	}

	return aead.Seal(out, nonce, plaintext, out[:headerSize]), nil
}

// Decrypt opens ciphertext produced by Encrypt under any version still in the ring.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, minimum is %d", ErrDecrypt, len(ciphertext), Overhead)
	}
	if ciphertext[0] != magic {
		return nil, fmt.Errorf("%w: bad magic 0x%02x", ErrDecrypt, ciphertext[0])
	}
	version := binary.BigEndian.Uint32(ciphertext[1:headerSize])

	v.mu.RLock()
	aead, ok := v.aeads[version]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}

	nonce := ciphertext[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, ciphertext[headerSize+chacha20poly1305.NonceSizeX:], ciphertext[:headerSize])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return plaintext, nil
}

// Fingerprint returns a keyed BLAKE3 digest of plaintext. Equal plaintexts
// give equal fingerprints for the lifetime of the ring, across rotations.
func (v *Vault) Fingerprint(plaintext []byte) [32]byte {
	v.mu.RLock()
	key := v.fpKey
	v.mu.RUnlock()

	h, err := blake3.NewKeyed(key)
	if err != nil {
		// fpKey is always KeySize bytes of HKDF output.
		panic("vault: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(plaintext)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CurrentVersion returns the version new ciphertext is sealed under.
func (v *Vault) CurrentVersion() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ring.Current
}

// KeyRing returns a copy of the active ring.
func (v *Vault) KeyRing() *KeyRing {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ring.Clone()
}

// RotateKey adds a fresh random version and makes it current.
func (v *Vault) RotateKey() (uint32, error) {
	secret, err := randomSecret()
	if err != nil {
		return 0, err
	}
	return v.RotateKeyWith(secret)
}

// RotateKeyWith adds secret as a new version and makes it current. Older
// versions remain available for decryption.
func (v *Vault) RotateKeyWith(secret []byte) (uint32, error) {
	if len(secret) != KeySize {
		return 0, fmt.Errorf("%w: master secret must be %d bytes, got %d", ErrInvalidKeyRing, KeySize, len(secret))
	}

	v.rotateMu.Lock()
	defer v.rotateMu.Unlock()

	ring := v.KeyRing()
	versions := ring.Versions()
	next := versions[len(versions)-1] + 1
	ring.Keys[next] = append([]byte(nil), secret...)
	ring.Current = next

	if v.path != "" {
		if err := SaveKeyRing(v.path, ring); err != nil {
			return 0, fmt.Errorf("persisting rotated key ring: %w", err)
		}
	}
	if err := v.install(ring); err != nil {
		return 0, err
	}
	v.logger.Info("vault key rotated", zap.Uint32("version", next))
	return next, nil
}

// Reload replaces the ring. The new ring must keep every version the
// vault already knows; otherwise stored payloads would become unreadable.
func (v *Vault) Reload(ring *KeyRing) error {
	v.rotateMu.Lock()
	defer v.rotateMu.Unlock()
	return v.install(ring)
}
