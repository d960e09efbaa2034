// Package integrity provides tamper-evident hashing for knowledge versions.
// Every applied update gets a content hash; a version commits to its batch
// through the Merkle root of those hashes and to its predecessor through the
// previous version's root. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"slices"
	"strings"

	"github.com/ashita-ai/manabi/internal/model"
)

const hashPrefix = "v1:"

// UpdateHash returns the versioned SHA-256 digest of the fields that define
// what u changes: id, agent, kind and content. Status and timestamps are
// excluded because they move after the version is recorded.
func UpdateHash(u model.KnowledgeUpdate) (string, error) {
	content, err := json.Marshal(u.Content)
	if err != nil {
		return "", fmt.Errorf("integrity: marshal content of %s: %w", u.ID, err)
	}
	h := sha256.New()
	writeField(h, u.ID.String())
	writeField(h, u.AgentID)
	writeField(h, string(u.Kind))
	writeField(h, string(content))
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyUpdateHash reports whether stored matches u's current hash.
func VerifyUpdateHash(stored string, u model.KnowledgeUpdate) bool {
	if !strings.HasPrefix(stored, hashPrefix) {
		return false
	}
	got, err := UpdateHash(u)
	return err == nil && got == stored
}

// BatchRoot hashes every update and returns the Merkle root over the sorted
// leaf hashes, so the root does not depend on apply order.
func BatchRoot(updates []model.KnowledgeUpdate) (string, error) {
	leaves := make([]string, 0, len(updates))
	for _, u := range updates {
		leaf, err := UpdateHash(u)
		if err != nil {
			return "", err
		}
		leaves = append(leaves, leaf)
	}
	slices.Sort(leaves)
	return BuildMerkleRoot(leaves), nil
}

// writeField writes a 4-byte big-endian length prefix followed by s, so
// free-form content can never shift a field boundary.
func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // bounded by the request body limit
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01
// prefix separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaves must be sorted by the caller. No leaves yield "" and a single
// leaf is its own root. Odd levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}

	level := slices.Clone(leaves)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
