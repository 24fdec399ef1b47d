package keys

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/xerrors"
)

// ErrInvalidEncoding is returned by the hex helpers.
var ErrInvalidEncoding = xerrors.New("invalid encoding")

// HexToBytes decodes hex, rejecting odd lengths and non-hex characters.
func HexToBytes(s string) ([]byte, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s)%2 != 0 {
		return nil, xerrors.Errorf("%w: odd hex length %d", ErrInvalidEncoding, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}

// BytesToHex is lowercase hex.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// EncodePublic converts a hex public key into its npub form.
func EncodePublic(public string) (string, error) {
	if _, err := ParsePublicKey(public); err != nil {
		return "", err
	}
	b, _ := HexToBytes(public)
	return encodeBech32(PublicPrefix, b)
}

// DecodePublic converts an npub into a hex public key.
func DecodePublic(npub string) (string, error) {
	data, err := decodeBech32(PublicPrefix, npub)
	if err != nil {
		return "", err
	}
	if len(data) != keyLength {
		return "", xerrors.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKeyEncoding, keyLength, len(data))
	}
	public := BytesToHex(data)
	if _, err := ParsePublicKey(public); err != nil {
		return "", err
	}
	return public, nil
}

// NormalizePublic accepts hex or npub and returns lowercase hex.
func NormalizePublic(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), PublicPrefix+"1") {
		return DecodePublic(s)
	}
	if _, err := ParsePublicKey(s); err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}

func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	s, err := bech32.Encode(hrp, conv)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return s, nil
}

func decodeBech32(hrp, s string) ([]byte, error) {
	got, data, err := bech32.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	if got != hrp {
		return nil, xerrors.Errorf("%w: expected %s prefix, got %s", ErrInvalidKeyEncoding, hrp, got)
	}
	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return b, nil
}
