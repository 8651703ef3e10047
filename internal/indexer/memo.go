package indexer

import (
	"encoding/hex"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

// decodeMemo extracts the attributing user id from a deposit
// transaction's calldata. Attribution is direct: the wallet UI that
// builds the deposit transaction writes the depositing user's id as
// plain ASCII into the data field (a plain native transfer otherwise
// carries no other identity-bearing information). decodeMemo rejects
// empty or non-printable payloads rather than guess.
func decodeMemo(data []byte) (userID string, ok bool) {
	if len(data) == 0 || len(data) > 128 {
		return "", false
	}
	for _, b := range data {
		if !unicode.IsPrint(rune(b)) {
			return "", false
		}
	}
	return string(data), true
}

// memoTag computes a short, fixed-width audit tag for a deposit's
// calldata, independent of the SHA-256 commit-reveal hash
// internal/fairness uses for round outcomes — this is purely a compact
// fingerprint for logs (it is not stored in deposit_observations), not
// a lookup key.
func memoTag(data []byte) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we pass none.
		panic(err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
