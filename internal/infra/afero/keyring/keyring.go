// keyring persists the local identity key pair
package keyring

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/lloydmeta/echo/internal/domain/keys"
)

type CorruptKeyFile struct {
	Path   string
	Reason string
}

func (e CorruptKeyFile) Error() string {
	return fmt.Sprintf("Key file [%s] is unreadable: %s", e.Path, e.Reason)
}

// Load reads the hex-encoded private key at path
func Load(fs afero.Fs, path string) (keys.KeyPair, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return keys.KeyPair{}, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return keys.KeyPair{}, CorruptKeyFile{Path: path, Reason: err.Error()}
	}
	pair, err := keys.FromPrivate(decoded)
	if err != nil {
		return keys.KeyPair{}, CorruptKeyFile{Path: path, Reason: err.Error()}
	}
	return pair, nil
}

// Save writes pair to path, readable only by the owner. An existing file is never overwritten.
func Save(fs afero.Fs, path string, pair keys.KeyPair) error {
	if exists, err := afero.Exists(fs, path); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("Refusing to overwrite existing key file [%s]", path)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, []byte(hex.EncodeToString(pair.Private)+"\n"), 0600)
}

// LoadOrCreate loads the key pair at path, generating and saving a new one if there is none
func LoadOrCreate(fs afero.Fs, path string) (pair keys.KeyPair, created bool, err error) {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return pair, false, err
	}
	if exists {
		pair, err = Load(fs, path)
		return pair, false, err
	}
	if pair, err = keys.Generate(); err != nil {
		return pair, false, err
	}
	if err = Save(fs, path, pair); err != nil {
		return pair, false, err
	}
	log.Info().Str("identity", pair.Public.Hex()).Str("path", path).Msg("Generated new identity")
	return pair, true, nil
}
