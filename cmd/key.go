package cmd

import (
	"crypto/sha256"
	"fmt"

	"github.com/deploymenttheory/vaultfs/internal/aead"
)

// deriveKey turns the --passphrase flag into a root AEAD key. vaultfs's
// spec takes the root key as a given (§3); this CLI is the only place that
// must turn a human-entered secret into one, so it does so with the
// simplest construction that doesn't reach for a KDF dependency no pack
// example ships (see DESIGN.md).
func deriveKey(passphrase string) (aead.Key, error) {
	if passphrase == "" {
		return aead.Key{}, fmt.Errorf("--passphrase is required")
	}
	return sha256.Sum256([]byte(passphrase)), nil
}
