package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/sockbus/sockbus/pkg/types"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32

	// KeyIterations is the PBKDF2-SHA256 iteration count. Both peers must
	// use the same count or their keys will not match.
	KeyIterations = 200000

	// NonceSize is the GCM nonce length in bytes
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes
	TagSize = 16
)

// keySalt is the fixed protocol salt for password-based key derivation.
// Changing it is a breaking protocol change: peers on different salts
// derive different keys from the same password.
const keySalt = "sockbus.v1.frame-key"

// DeriveKey stretches a shared password into an AES-256 key using
// PBKDF2-SHA256. An empty password returns nil, which selects plaintext
// framing. Derivation is deliberately slow; call it once per endpoint,
// not per frame.
func DeriveKey(password string) []byte {
	return DeriveKeyWithIterations(password, KeyIterations)
}

// DeriveKeyWithIterations is DeriveKey with a caller-chosen iteration
// count. Counts below KeyIterations are raised to it; a weaker work
// factor is never honored. Both peers must use the same count.
func DeriveKeyWithIterations(password string, iterations int) []byte {
	if password == "" {
		return nil
	}
	if iterations < KeyIterations {
		iterations = KeyIterations
	}
	return pbkdf2.Key([]byte(password), []byte(keySalt), iterations, KeySize, sha256.New)
}

// envelope is the wire form of a sealed frame. encoding/json renders the
// byte slices as standard base64 strings.
type envelope struct {
	IV  []byte `json:"iv"`
	Tag []byte `json:"tag"`
	CT  []byte `json:"ct"`
}

// newAEAD builds the AES-256-GCM cipher for a derived key
func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, types.NewError(types.ErrCodeInvalid,
			fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create GCM", err)
	}

	return gcm, nil
}

// seal encrypts one serialized message into an envelope line (without the
// trailing newline). Every call draws a fresh random nonce.
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to generate nonce", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	// Seal appends the tag to the ciphertext; the envelope carries them
	// as separate fields.
	split := len(sealed) - TagSize
	env := envelope{
		IV:  nonce,
		Tag: sealed[split:],
		CT:  sealed[:split],
	}

	line, err := json.Marshal(env)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode envelope", err)
	}
	return line, nil
}

// open authenticates and decrypts one envelope line back into the
// serialized message. A failed tag check is an auth failure; everything
// else about a bad envelope is a protocol error.
func open(aead cipher.AEAD, line []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, types.WrapError(types.ErrCodeProtocol, "malformed envelope", err)
	}
	if len(env.IV) != NonceSize {
		return nil, types.NewError(types.ErrCodeProtocol,
			fmt.Sprintf("envelope nonce must be %d bytes, got %d", NonceSize, len(env.IV)))
	}
	if len(env.Tag) != TagSize {
		return nil, types.NewError(types.ErrCodeProtocol,
			fmt.Sprintf("envelope tag must be %d bytes, got %d", TagSize, len(env.Tag)))
	}

	sealed := make([]byte, 0, len(env.CT)+len(env.Tag))
	sealed = append(sealed, env.CT...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeAuthFailed, "message authentication failed", err)
	}
	return plaintext, nil
}
