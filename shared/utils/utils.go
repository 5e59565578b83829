package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// HashContent returns the hex SHA-256 of content. Every blob in quire is
// addressed by this value.
func HashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// SortedKeys returns m's keys in lexicographic order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
