package audit

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const keyFileName = ".audit-signing.key"
const keyLengthBytes = 32

// LoadOrCreateSecret loads the per-installation HMAC key from
// <dataDir>/.audit-signing.key, generating and persisting one with
// 0600 permissions if it does not yet exist. This stands in for "the
// host keychain" of spec §4.5: the secret is opaque key material that
// never appears in any audit record.
func LoadOrCreateSecret(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keyLengthBytes {
			return nil, fmt.Errorf("audit: signing key at %s has unexpected length %d", path, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: read signing key: %w", err)
	}

	key := make([]byte, keyLengthBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("audit: generate signing key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create data dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("audit: persist signing key: %w", err)
	}
	return key, nil
}
