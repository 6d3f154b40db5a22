package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives the stable dedup key for a detection. It hashes the
// rule id together with the candidate's identifying evidence fields in
// canonical order, so the same finding on the same machine always maps to
// the same key regardless of field ordering or non-identifying context.
func Fingerprint(ruleID string, identity map[string]string) string {
	keys := make([]string, 0, len(identity))
	for k := range identity {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ruleID)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(identity[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return ruleID + ":" + hex.EncodeToString(sum[:8])
}
