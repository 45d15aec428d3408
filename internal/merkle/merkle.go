// Package merkle implements the hash kernel used to seal capture records:
// SHA-256 prefix parsing and deterministic binary Merkle tree construction.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// Prefix is the required scheme tag on every leaf hash.
	Prefix = "sha256:"

	digestLength = 64
)

// ErrComputation is returned when a tree cannot be built from the given input.
var ErrComputation = errors.New("merkle computation error")

// StripPrefix validates a "sha256:<64 hex>" string and returns the bare
// lowercase hex digest.
func StripPrefix(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return "", fmt.Errorf("%w: hash must start with %q", ErrComputation, Prefix)
	}
	digest := value[len(Prefix):]
	if len(digest) != digestLength {
		return "", fmt.Errorf("%w: sha256 digest must be %d hex characters", ErrComputation, digestLength)
	}
	for _, r := range digest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return "", fmt.Errorf("%w: sha256 digest must be hex", ErrComputation)
		}
	}
	return strings.ToLower(digest), nil
}

// hashPair hashes the UTF-8 concatenation of two hex digests.
func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// reduce collapses one level into the next, duplicating the last node of an
// odd-length level.
func reduce(level []string) []string {
	if len(level)%2 == 1 {
		level = append(append([]string(nil), level...), level[len(level)-1])
	}
	next := make([]string, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, hashPair(level[i], level[i+1]))
	}
	return next
}

// ComputeRoot computes the Merkle root of a non-empty ordered sequence of
// sha256-prefixed leaf hashes. The result carries the "sha256:" prefix.
func ComputeRoot(leaves []string) (string, error) {
	root, _, err := BuildTree(leaves)
	return root, err
}

// BuildTree builds the full Merkle tree for auditing. It returns the
// sha256-prefixed root and every level, leaves first, as bare hex digests.
func BuildTree(leaves []string) (string, [][]string, error) {
	if len(leaves) == 0 {
		return "", nil, fmt.Errorf("%w: at least one leaf hash is required", ErrComputation)
	}

	current := make([]string, len(leaves))
	for i, leaf := range leaves {
		digest, err := StripPrefix(leaf)
		if err != nil {
			return "", nil, err
		}
		current[i] = digest
	}

	// A single leaf is still reduced once: the root of [h] is hash(h+h),
	// the same duplication rule applied to any odd level.
	levels := [][]string{append([]string(nil), current...)}
	for {
		current = reduce(current)
		levels = append(levels, append([]string(nil), current...))
		if len(current) == 1 {
			break
		}
	}

	return Prefix + current[0], levels, nil
}
