package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "exp_"

// GenerateMachineToken creates a token for host tooling together with the
// hash to put into the configuration. Format: exp_<uuid>_<secret>.
func GenerateMachineToken() (token, hash string, err error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token = fmt.Sprintf("%s%s_%s", machineTokenPrefix, uuid.New().String(), hex.EncodeToString(secretBytes))
	return token, HashMachineToken(token), nil
}

// HashMachineToken hashes a machine token for storage
func HashMachineToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidMachineTokenFormat checks prefix and length without touching the
// registry.
func ValidMachineTokenFormat(token string) bool {
	if len(token) < len(machineTokenPrefix)+36+1+64 {
		return false
	}
	return strings.HasPrefix(token, machineTokenPrefix)
}
