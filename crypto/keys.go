// Package crypto provides the key-exchange primitives, symmetric cipher and
// integrity checksum used by the backup protocol.
//
// The handshake is asymmetric-then-symmetric: the client submits an RSA
// public key, the server generates a fresh random session key per handshake,
// wraps it with RSA-OAEP and returns it; payloads are then encrypted with
// AES-256-CBC. Session keys are never reused across handshakes.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	// KeyBits is the RSA modulus size.
	KeyBits = 2048
	// PublicKeySize is the exact length of an exported public key: the PKIX
	// DER encoding of a 2048-bit RSA key with exponent 65537.
	PublicKeySize = 294
	// WrappedKeySize is the length of an RSA-OAEP wrapped session key, equal
	// to the modulus size in bytes.
	WrappedKeySize = KeyBits / 8
	// SessionKeySize is the symmetric session key length (AES-256).
	SessionKeySize = 32
)

const rsaPrivatePEMType = "RSA PRIVATE KEY"

var (
	// ErrHandshakeFailed indicates a public key or wrapped session key that
	// could not be decoded or unwrapped. Terminal for the connection attempt.
	ErrHandshakeFailed = errors.New("crypto: handshake failed")
	// ErrDecryptFailed indicates ciphertext that could not be decrypted.
	ErrDecryptFailed = errors.New("crypto: decrypt failed")
)

// GenerateKeyPair creates a new RSA keypair for the handshake.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	return key, nil
}

// ExportPublicKey encodes a public key into its fixed-width wire form.
func ExportPublicKey(pub *rsa.PublicKey) ([PublicKeySize]byte, error) {
	var out [PublicKeySize]byte

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return out, fmt.Errorf("marshal public key: %w", err)
	}
	if len(der) != PublicKeySize {
		return out, fmt.Errorf("unexpected public key encoding length: got %d want %d", len(der), PublicKeySize)
	}

	copy(out[:], der)
	return out, nil
}

// ImportPublicKey parses a fixed-width exported public key.
func ImportPublicKey(data [PublicKeySize]byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(data[:])
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrHandshakeFailed, err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrHandshakeFailed)
	}
	if pub.Size() != WrappedKeySize {
		return nil, fmt.Errorf("%w: unexpected modulus size %d", ErrHandshakeFailed, pub.Size())
	}

	return pub, nil
}

// NewSessionKey generates a fresh random symmetric session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// WrapSessionKey encrypts a session key with the client's public key using
// RSA-OAEP.
func WrapSessionKey(pub *rsa.PublicKey, sessionKey []byte) ([WrappedKeySize]byte, error) {
	var out [WrappedKeySize]byte

	if len(sessionKey) != SessionKeySize {
		return out, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return out, fmt.Errorf("wrap session key: %w", err)
	}
	if len(wrapped) != WrappedKeySize {
		return out, fmt.Errorf("unexpected wrapped key length: got %d want %d", len(wrapped), WrappedKeySize)
	}

	copy(out[:], wrapped)
	return out, nil
}

// UnwrapSessionKey decrypts a wrapped session key with the client's private key.
func UnwrapSessionKey(priv *rsa.PrivateKey, wrapped [WrappedKeySize]byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped[:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap session key: %v", ErrHandshakeFailed, err)
	}
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%w: unwrapped key length %d", ErrHandshakeFailed, len(key))
	}
	return key, nil
}

// EnsurePrivateKey loads an RSA private key from disk, generating and saving
// it on first run.
func EnsurePrivateKey(path string) (*rsa.PrivateKey, error) {
	key, err := LoadPrivateKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(path, key); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadPrivateKey reads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RSA private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode RSA PEM: no PEM block")
	}
	if block.Type != rsaPrivatePEMType {
		return nil, fmt.Errorf("decode RSA PEM: unexpected type %q", block.Type)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}

	return key, nil
}

// SavePrivateKey writes an RSA private key PEM file with 0600 permissions.
func SavePrivateKey(path string, key *rsa.PrivateKey) error {
	block := &pem.Block{
		Type:  rsaPrivatePEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write RSA private key: %w", err)
	}

	return nil
}
