package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"sealchat/internal/crypto"
	"sealchat/internal/keys"
)

var (
	// ErrNoIdentity means no identity file exists yet.
	ErrNoIdentity = xerrors.New("no identity found")
	// ErrWrongPassphrase means the identity file did not open with the passphrase.
	ErrWrongPassphrase = xerrors.New("wrong passphrase or damaged identity file")
)

// SaveIdentity seals the secret key with the passphrase and writes it.
func SaveIdentity(path string, kp keys.KeyPair, passphrase string) error {
	if kp.Nsec == "" {
		return xerrors.New("identity has no secret key")
	}
	sealed, err := crypto.Seal([]byte(kp.Nsec), crypto.DeriveKey(passphrase))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}

// LoadIdentity opens the identity file with the passphrase.
func LoadIdentity(path, passphrase string) (keys.KeyPair, error) {
	sealed, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return keys.KeyPair{}, ErrNoIdentity
	}
	if err != nil {
		return keys.KeyPair{}, err
	}
	plain, err := crypto.Open(sealed, crypto.DeriveKey(passphrase))
	if err != nil {
		return keys.KeyPair{}, xerrors.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	kp, err := keys.Parse(string(plain))
	if err != nil {
		return keys.KeyPair{}, xerrors.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	return kp, nil
}
