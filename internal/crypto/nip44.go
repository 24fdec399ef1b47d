package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"

	"sealchat/internal/keys"
)

// NIP-44 version 2 parameters.
const (
	Version = 0x02

	MinPlaintextSize = 1
	MaxPlaintextSize = 65535

	nonceSize = 32
	macSize   = 32

	minPayloadSize = 132
	maxPayloadSize = 87472
	minDecodedSize = 99
	maxDecodedSize = 65603
)

var salt = []byte("nip44-v2")

var (
	// ErrDecryptionFailed covers every reason a payload cannot be opened.
	ErrDecryptionFailed = xerrors.New("decryption failed")
	// ErrPlaintextSize is returned by Encrypt for empty or oversized input.
	ErrPlaintextSize = xerrors.New("plaintext size out of range")
)

// ConversationKey derives the symmetric key shared by the holder of
// secret and the owner of theirPublic. Both sides derive the same bytes.
func ConversationKey(secret string, theirPublic string) ([32]byte, error) {
	var key [32]byte
	kp, err := keys.ParseHex(secret)
	if err != nil {
		return key, err
	}
	pub, err := keys.ParsePublicKey(theirPublic)
	if err != nil {
		return key, err
	}
	return conversationKey(kp.PrivateKey(), pub), nil
}

func conversationKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) [32]byte {
	var key [32]byte
	shared := btcec.GenerateSharedSecret(priv, pub)
	copy(key[:], hkdf.Extract(sha256.New, shared, salt))
	return key
}

// Encrypt produces a base64 NIP-44 v2 payload under a fresh random nonce.
func Encrypt(plaintext string, key [32]byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return encryptWithNonce(plaintext, key, nonce)
}

func encryptWithNonce(plaintext string, key [32]byte, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(key, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	out := make([]byte, 0, 1+nonceSize+len(ciphertext)+macSize)
	out = append(out, Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a NIP-44 v2 payload. Every failure wraps ErrDecryptionFailed.
func Decrypt(payload string, key [32]byte) (string, error) {
	n := len(payload)
	if n == 0 || payload[0] == '#' {
		return "", xerrors.Errorf("%w: unsupported encoding", ErrDecryptionFailed)
	}
	if n < minPayloadSize || n > maxPayloadSize {
		return "", xerrors.Errorf("%w: invalid payload size %d", ErrDecryptionFailed, n)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	d := len(data)
	if d < minDecodedSize || d > maxDecodedSize {
		return "", xerrors.Errorf("%w: invalid data size %d", ErrDecryptionFailed, d)
	}
	if data[0] != Version {
		return "", xerrors.Errorf("%w: unknown version %d", ErrDecryptionFailed, data[0])
	}

	nonce := data[1 : 1+nonceSize]
	ciphertext := data[1+nonceSize : d-macSize]
	mac := data[d-macSize:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(key, nonce)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if !hmac.Equal(mac, hmacAAD(hmacKey, ciphertext, nonce)) {
		return "", xerrors.Errorf("%w: invalid MAC", ErrDecryptionFailed)
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func messageKeys(key [32]byte, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(nonce) != nonceSize {
		return nil, nil, nil, xerrors.Errorf("nonce must be %d bytes", nonceSize)
	}
	expanded := make([]byte, 76)
	if _, err = io.ReadFull(hkdf.Expand(sha256.New, key[:], nonce), expanded); err != nil {
		return nil, nil, nil, err
	}
	return expanded[0:32], expanded[32:44], expanded[44:76], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// calcPaddedLen rounds up to the NIP-44 padding scheme.
func calcPaddedLen(unpadded int) int {
	if unpadded <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(unpadded-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpadded-1)/chunk + 1)
}

func pad(plaintext string) ([]byte, error) {
	n := len(plaintext)
	if n < MinPlaintextSize || n > MaxPlaintextSize {
		return nil, xerrors.Errorf("%w: %d bytes", ErrPlaintextSize, n)
	}
	out := make([]byte, 2+calcPaddedLen(n))
	binary.BigEndian.PutUint16(out, uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) (string, error) {
	if len(padded) < 2 {
		return "", xerrors.New("padding too short")
	}
	n := int(binary.BigEndian.Uint16(padded))
	if n < MinPlaintextSize || 2+n > len(padded) || len(padded) != 2+calcPaddedLen(n) {
		return "", xerrors.New("invalid padding")
	}
	return string(padded[2 : 2+n]), nil
}
