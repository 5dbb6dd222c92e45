package utils

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IsValidAddress checks if a string is a valid EVM address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix.
// Aggregate maps are keyed by the normalized form so that checksummed
// and lowercase inputs hit the same record.
func NormalizeAddress(address string) string {
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// EventTopic returns the keccak256 topic hash of an event signature
func EventTopic(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}
