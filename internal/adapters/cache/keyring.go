package cache

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mikey-austin/spotd/pkg/spot"
	"github.com/zalando/go-keyring"
)

// KeyringService is the secret service entry credentials are stored under.
const KeyringService = "spotd"

// Keyring stores credentials in the OS keyring and the volume in a file.
type Keyring struct {
	service string
	user    string
	file    *File
}

// NewKeyring creates a keyring-backed cache for the device. Volume and any
// legacy file credentials live in file.
func NewKeyring(device string, file *File) *Keyring {
	return &Keyring{service: KeyringService, user: device, file: file}
}

func (k *Keyring) Credentials() (spot.Credentials, bool, error) {
	secret, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return k.migrate()
	}
	if err != nil {
		return spot.Credentials{}, false, fmt.Errorf("keyring get: %w", err)
	}
	var creds spot.Credentials
	if err := json.Unmarshal([]byte(secret), &creds); err != nil {
		return spot.Credentials{}, false, fmt.Errorf("decode keyring credentials: %w", err)
	}
	return creds, creds.Valid(), nil
}

func (k *Keyring) SaveCredentials(creds spot.Credentials) error {
	secret, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	if err := keyring.Set(k.service, k.user, string(secret)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// Forget removes the stored credentials.
func (k *Keyring) Forget() error {
	err := keyring.Delete(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func (k *Keyring) Volume() (uint16, bool) {
	return k.file.Volume()
}

func (k *Keyring) SaveVolume(volume uint16) error {
	return k.file.SaveVolume(volume)
}

// migrate moves credentials from the file cache into the keyring.
func (k *Keyring) migrate() (spot.Credentials, bool, error) {
	creds, ok, err := k.file.Credentials()
	if err != nil || !ok {
		return spot.Credentials{}, false, err
	}
	if err := k.SaveCredentials(creds); err == nil {
		_ = k.file.clearCredentials()
	}
	return creds, true, nil
}
