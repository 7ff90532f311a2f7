package mandate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// BoundedHash computes the keccak256 hash-to-sign for a Bounded mandate
// (spec §3.4): the pipe-joined canonical string of its fields, with
// allowlisted_tool_ids sorted lexicographically and require_confirm_over
// substituted with the empty string when absent.
func BoundedHash(m Bounded) []byte {
	ids := append([]string(nil), m.AllowlistedToolIDs...)
	sort.Strings(ids)

	confirmOver := ""
	if m.RequireConfirmOver != nil {
		confirmOver = *m.RequireConfirmOver
	}

	canonical := strings.Join([]string{
		m.MandateID,
		m.OwnerPubkey,
		m.ExpiresAt,
		m.MaxSpendUSDCPerDay,
		strings.Join(ids, ","),
		confirmOver,
	}, "|")

	return mustKeccak(canonical)
}

// IntentHash computes the keccak256 hash-to-sign for an Intent mandate
// (spec §3.5): keccak256 over a deterministically sorted JSON serialization
// of contents (keys sorted recursively, array order preserved).
func IntentHash(contents IntentContents) ([]byte, error) {
	raw, err := json.Marshal(contents)
	if err != nil {
		return nil, fmt.Errorf("mandate: marshal contents: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("mandate: decode contents: %w", err)
	}
	// json.Marshal on map[string]interface{} sorts keys alphabetically at
	// every level, giving the required deterministic serialization.
	sorted, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("mandate: re-marshal contents: %w", err)
	}

	return mustKeccak(string(sorted)), nil
}

// IntentMandateID derives "intent-" + first 16 hex chars of the intent hash.
func IntentMandateID(hash []byte) string {
	full := hex.EncodeToString(hash)
	if len(full) > 16 {
		full = full[:16]
	}
	return "intent-" + full
}

func mustKeccak(s string) []byte {
	return crypto.Keccak256([]byte(s))
}
