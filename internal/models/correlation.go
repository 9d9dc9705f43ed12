package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// CorrelationKey derives the duplicate-detection key for an alert from its
// rule name, source, and the configured subset of label keys. The key is
// stable for the lifetime of an alert: two ingress events with the same rule,
// source, and selected label values correlate to the same key regardless of
// label ordering.
func CorrelationKey(ruleName, source string, labels map[string]string, labelKeys []string) string {
	var b strings.Builder
	b.WriteString(ruleName)
	b.WriteByte('\x00')
	b.WriteString(source)

	if len(labelKeys) > 0 && len(labels) > 0 {
		keys := append([]string(nil), labelKeys...)
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := labels[k]; ok {
				b.WriteByte('\x00')
				b.WriteString(k)
				b.WriteByte('=')
				b.WriteString(v)
			}
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
