package keys

import (
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/xerrors"
)

const (
	// SecretPrefix is the bech32 human-readable part of a secret key.
	SecretPrefix = "nsec"
	// PublicPrefix is the bech32 human-readable part of a public key.
	PublicPrefix = "npub"

	keyLength = 32
)

// ErrInvalidKeyEncoding is returned for malformed secret or public key text.
var ErrInvalidKeyEncoding = xerrors.New("invalid key encoding")

// KeyPair is an identity. Secret and Public are lowercase hex, Nsec and
// Npub are their bech32 forms.
type KeyPair struct {
	Secret string `json:"secret,omitempty"`
	Public string `json:"public"`
	Nsec   string `json:"nsec,omitempty"`
	Npub   string `json:"npub"`

	priv *btcec.PrivateKey
}

// Generate creates a new key pair from crypto/rand.
func Generate() KeyPair {
	for {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			// crypto/rand failing is not recoverable
			panic(err)
		}
		kp, err := fromScalar(priv.Serialize())
		if err == nil {
			return kp
		}
	}
}

// Parse decodes an nsec secret key into a full key pair.
func Parse(nsec string) (KeyPair, error) {
	data, err := decodeBech32(SecretPrefix, nsec)
	if err != nil {
		return KeyPair{}, err
	}
	return fromScalar(data)
}

// ParseHex builds a key pair from a 64 character hex secret.
func ParseHex(secret string) (KeyPair, error) {
	b, err := HexToBytes(secret)
	if err != nil {
		return KeyPair{}, xerrors.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return fromScalar(b)
}

// ParseAny accepts either an nsec or a hex secret.
func ParseAny(secret string) (KeyPair, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(strings.ToLower(secret), SecretPrefix+"1") {
		return Parse(secret)
	}
	return ParseHex(secret)
}

// PublicFromSecret returns the hex x-only public key for a hex secret.
func PublicFromSecret(secret string) (string, error) {
	kp, err := ParseHex(secret)
	if err != nil {
		return "", err
	}
	return kp.Public, nil
}

// PrivateKey returns the secp256k1 secret scalar, nil for a public-only pair.
func (kp KeyPair) PrivateKey() *btcec.PrivateKey {
	if kp.priv != nil {
		return kp.priv
	}
	if kp.Secret == "" {
		return nil
	}
	b, err := HexToBytes(kp.Secret)
	if err != nil || len(b) != keyLength {
		return nil
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv
}

// PublicOnly strips the secret material.
func (kp KeyPair) PublicOnly() KeyPair {
	return KeyPair{Public: kp.Public, Npub: kp.Npub}
}

func fromScalar(b []byte) (KeyPair, error) {
	if len(b) != keyLength {
		return KeyPair{}, xerrors.Errorf("%w: secret must be %d bytes, got %d", ErrInvalidKeyEncoding, keyLength, len(b))
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return KeyPair{}, xerrors.Errorf("%w: secret out of range", ErrInvalidKeyEncoding)
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	pubBytes := schnorr.SerializePubKey(pub)

	kp := KeyPair{
		Secret: BytesToHex(b),
		Public: BytesToHex(pubBytes),
		priv:   priv,
	}
	var err error
	if kp.Nsec, err = encodeBech32(SecretPrefix, b); err != nil {
		return KeyPair{}, err
	}
	if kp.Npub, err = encodeBech32(PublicPrefix, pubBytes); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

// ParsePublicKey lifts a hex x-only key onto the curve.
func ParsePublicKey(public string) (*btcec.PublicKey, error) {
	b, err := HexToBytes(public)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	if len(b) != keyLength {
		return nil, xerrors.Errorf("%w: public key must be %d bytes", ErrInvalidKeyEncoding, keyLength)
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return pub, nil
}

// ValidPublic reports whether s is a 64 character hex key on the curve.
func ValidPublic(s string) bool {
	_, err := ParsePublicKey(s)
	return err == nil
}
