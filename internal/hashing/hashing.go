// Package hashing computes the canonical request fingerprint used for
// idempotency and the response hash recorded on receipts.
package hashing

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Keccak256Hex returns the lowercase hex encoding of keccak256(data).
func Keccak256Hex(data []byte) string {
	return hex.EncodeToString(crypto.Keccak256(data))
}

// SortedQuery renders query parameters as `&`-joined `k=URL_escape(v)` pairs
// with keys lowercased and sorted, and repeated keys preserved in value order.
// Keys that differ only in case (e.g. "Foo" and "foo") fold into the same
// lowercased group so neither binds out of the fingerprint.
func SortedQuery(values url.Values) string {
	grouped := make(map[string][]string, len(values))
	for k, vs := range values {
		lk := strings.ToLower(k)
		grouped[lk] = append(grouped[lk], vs...)
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		for j, v := range grouped[k] {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Fields holds the canonical hash inputs defined by the pipeline's hashing
// stage: METHOD|path|sorted_query|body_hash|price|idempotency_key|time_window.
type Fields struct {
	Method         string
	Path           string
	Query          url.Values
	Body           []byte
	PriceUSDC      string
	IdempotencyKey string
	TimeWindow     int64
}

// Fingerprint computes the canonical keccak256 fingerprint for Fields.
func Fingerprint(f Fields) string {
	bodyHash := ""
	if len(f.Body) > 0 {
		bodyHash = Keccak256Hex(f.Body)
	}

	parts := []string{
		strings.ToUpper(f.Method),
		f.Path,
		SortedQuery(f.Query),
		bodyHash,
		f.PriceUSDC,
		f.IdempotencyKey,
		strconv.FormatInt(f.TimeWindow, 10),
	}
	canonical := strings.Join(parts, "|")
	return Keccak256Hex([]byte(canonical))
}

// TimeWindow returns floor(nowMs / ttlMs), the TTL-bucketed window index used
// to force fingerprints to roll over at replay-window boundaries.
func TimeWindow(nowMs, ttlMs int64) int64 {
	if ttlMs <= 0 {
		return 0
	}
	return nowMs / ttlMs
}
