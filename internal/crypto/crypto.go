package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/xerrors"
)

const vaultDomain = "sealchat/vault/v1"

// ErrVaultCorrupted is returned when locally stored data fails to open.
var ErrVaultCorrupted = xerrors.New("vault data corrupted")

// DeriveKey stretches a passphrase into a 32 byte vault key with argon2id.
// The salt is derived from the passphrase itself so the same passphrase
// always opens the same vault.
func DeriveKey(passphrase string) []byte {
	hasher := sha256.New()
	hasher.Write([]byte(vaultDomain))
	hasher.Write([]byte(passphrase))
	salt := hasher.Sum(nil)

	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// Seal encrypts local data with XChaCha20-Poly1305, nonce prepended.
func Seal(plaintext []byte, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Failures are local corruption and are returned as such.
func Open(ciphertext []byte, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, xerrors.Errorf("%w: ciphertext too short", ErrVaultCorrupted)
	}

	nonce, msg := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, msg, nil)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	return plain, nil
}

// Hash is the lowercase hex sha256 of data.
func Hash(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
