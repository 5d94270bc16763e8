package registry

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
)

// PolicyIDLength is the hex length of a minting policy id.
const PolicyIDLength = 56

// Fingerprint derives the CIP-14 asset fingerprint of an asset identifier,
// which is the hex policy id followed by the hex asset name.
func Fingerprint(assetIdentifier string) (string, error) {
	if len(assetIdentifier) < PolicyIDLength {
		return "", fmt.Errorf("asset identifier %q is shorter than a policy id", assetIdentifier)
	}
	raw, err := hex.DecodeString(assetIdentifier)
	if err != nil {
		return "", fmt.Errorf("decode asset identifier: %w", err)
	}

	h, err := blake2b.New(20, nil)
	if err != nil {
		return "", err
	}
	h.Write(raw)

	words, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode("asset", words)
}

// ValidPolicyID reports whether id is a 28-byte hex policy id.
func ValidPolicyID(id string) bool {
	if len(id) != PolicyIDLength {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
