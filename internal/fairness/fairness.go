// Package fairness implements the commit-reveal provably-fair crash
// point generator of spec.md §4.2. It is a direct descendant of the
// teacher's internal/game/provably_fair.go (one function per role —
// seed, commitment, crash point, verification — in the same "small
// pure functions, heavily unit tested" shape) rewritten to
// the spec's exact formula: a SHA-256 digest of server/client seed and
// nonce, the first 52 bits mapped to [0,1), a configured house edge
// and instant-crash divisor, capped at a configured maximum.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// ErrFairnessViolation is returned by Verify when a revealed round's
// crash point cannot be reproduced from its seeds.
var ErrFairnessViolation = errors.New("fairness: crash point does not match revealed seeds")

// Params bundles the configured constants of spec.md §6 that the crash
// formula depends on. Callers build one Params per deployment (it is
// "configured but fixed for a deployment", spec.md §4.2/§4.5).
type Params struct {
	HouseEdge           float64 // e, 0 <= e <= 0.05
	InstantCrashDivisor int     // default 33; H mod divisor == 0 -> instant crash
	MaxMultiplier       float64 // M_max, default 1000.00
}

// DefaultParams matches spec.md §6's defaults.
func DefaultParams() Params {
	return Params{
		HouseEdge:           0.03,
		InstantCrashDivisor: 33,
		MaxMultiplier:       1000.00,
	}
}

// GenerateServerSeed creates 32 bytes of cryptographically secure
// randomness, hex-encoded, per spec.md §4.2.
func GenerateServerSeed() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// broken, which is not a condition this package can recover
		// from; surface it loudly rather than silently degrade
		// fairness.
		panic(fmt.Sprintf("fairness: failed to read random seed: %v", err))
	}
	return hex.EncodeToString(b)
}

// CommitHash returns SHA256(serverSeed), published before betting
// opens so the seed can be verified once revealed.
func CommitHash(serverSeed string) string {
	h := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(h[:])
}

// first52Bits returns the first 52 bits of SHA256(serverSeed ":"
// clientSeed ":" nonce) as an integer in [0, 2^52).
func first52Bits(serverSeed, clientSeed string, nonce int64) uint64 {
	data := fmt.Sprintf("%s:%s:%d", serverSeed, clientSeed, nonce)
	sum := sha256.Sum256([]byte(data))

	// Read the first 7 bytes (56 bits) and drop the low 4 bits to keep
	// exactly the most-significant 52 bits of the digest.
	var buf [8]byte
	copy(buf[1:], sum[:7])
	first56 := binary.BigEndian.Uint64(buf[:])
	return first56 >> 4
}

// CrashPoint computes the deterministic crash multiplier for a round
// from its seeds and nonce, per spec.md §4.2's published formula:
//
//	h = SHA256(server_seed ":" client_seed ":" nonce)
//	H = first 52 bits of h
//	r = H / 2^52
//	crash = max(1.00, floor(100*(1-e) / max(r, 2^-52)) / 100), capped at M_max
//	a 1/divisor fraction of rounds (H mod divisor == 0) instead return exactly 1.00
func CrashPoint(serverSeed, clientSeed string, nonce int64, p Params) float64 {
	const twoPow52 = float64(1 << 52)

	H := first52Bits(serverSeed, clientSeed, nonce)

	if p.InstantCrashDivisor >= 2 && H%uint64(p.InstantCrashDivisor) == 0 {
		return 1.00
	}

	r := float64(H) / twoPow52
	if r < 1.0/twoPow52 {
		r = 1.0 / twoPow52
	}

	crash := math.Floor(100*(1-p.HouseEdge)/r) / 100
	if crash < 1.00 {
		crash = 1.00
	}
	if p.MaxMultiplier > 0 && crash > p.MaxMultiplier {
		crash = p.MaxMultiplier
	}
	return crash
}

// IsInstantCrash reports whether the round identified by the given
// seeds/nonce is a member of the deterministic instant-crash subset,
// independent of house edge — used by callers that want to log or
// audit the two effects (house edge vs. instant-crash fraction)
// separately, since the two are configured independently.
func IsInstantCrash(serverSeed, clientSeed string, nonce int64, divisor int) bool {
	if divisor < 2 {
		return false
	}
	H := first52Bits(serverSeed, clientSeed, nonce)
	return H%uint64(divisor) == 0
}

// Verify recomputes the crash point from revealed seeds and compares it
// to the claimed value, returning ErrFairnessViolation on mismatch.
// Property P4 requires this to hold for every revealed round.
func Verify(serverSeed, clientSeed string, nonce int64, claimed float64, p Params) error {
	recomputed := CrashPoint(serverSeed, clientSeed, nonce, p)
	if recomputed != claimed {
		return fmt.Errorf("%w: recomputed %.2fx, claimed %.2fx", ErrFairnessViolation, recomputed, claimed)
	}
	return nil
}
