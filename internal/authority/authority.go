// Package authority derives program-owned signing addresses from a seed label
// and a one byte bump. The resulting addresses lie off the ed25519 curve, so no
// private key exists for them; a program proves authority over one by
// presenting the seed and bump that reproduce it.
package authority

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	xerrors "Treasury-Relay/internal/errors"
)

// Seed labels used by the treasury program.
const (
	SeedGovernor = "governor"
	SeedTreasury = "treasury"
	SeedExecute  = "execute"
)

const (
	CodeNoValidBump  xerrors.Code = "NO_VALID_BUMP"
	CodeBumpMismatch xerrors.Code = "BUMP_MISMATCH"
)

var (
	// ErrNoValidBump is returned when every bump in 255..0 yields an on-curve address.
	ErrNoValidBump = xerrors.New(CodeNoValidBump, "no off-curve address for seed")
	// ErrBumpMismatch is returned when a supplied bump does not reproduce the claimed address.
	ErrBumpMismatch = xerrors.New(CodeBumpMismatch, "derived address does not match bump")
)

func init() {
	xerrors.Register(CodeNoValidBump, xerrors.Attributes{
		Message:  "no off-curve address for seed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBumpMismatch, xerrors.Attributes{
		Message:  "derived address does not match bump",
		Severity: xerrors.SeverityWarning,
	})
}

// Authority is a derived address together with the inputs that produce it.
type Authority struct {
	Seed    string
	Bump    uint8
	Address solana.PublicKey
}

// SignerSeeds returns the seed list a program passes to a delegated call to
// sign for this authority.
func (a Authority) SignerSeeds() [][]byte {
	return Seeds(a.Seed, a.Bump)
}

// Seeds builds the raw seed list for seed and bump.
func Seeds(seed string, bump uint8) [][]byte {
	return [][]byte{[]byte(seed), {bump}}
}

// Address computes the address for an exact seed and bump. It fails when the
// candidate lies on the curve.
func Address(seed string, programID solana.PublicKey, bump uint8) (solana.PublicKey, error) {
	addr, err := solana.CreateProgramAddress(Seeds(seed, bump), programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("seed %q bump %d: %w", seed, bump, err)
	}
	return addr, nil
}

// Derive searches bumps from 255 downwards and returns the first off-curve
// address for seed under programID.
func Derive(seed string, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := Address(seed, programID, uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return solana.PublicKey{}, 0, xerrors.New(CodeNoValidBump, fmt.Sprintf("no off-curve address for seed %q", seed))
}

// MustDerive is Derive for package-level constants; it panics on failure.
func MustDerive(seed string, programID solana.PublicKey) Authority {
	addr, bump, err := Derive(seed, programID)
	if err != nil {
		panic(err)
	}
	return Authority{Seed: seed, Bump: bump, Address: addr}
}

// Verify recomputes the address for seed and bump and reports whether it
// equals claimed. Only the canonical bump found by Derive is accepted, so a
// bump that happens to produce some other valid address for the same seed is
// still rejected.
func Verify(seed string, programID solana.PublicKey, bump uint8, claimed solana.PublicKey) bool {
	addr, canonical, err := Derive(seed, programID)
	if err != nil || canonical != bump {
		return false
	}
	return addr.Equals(claimed)
}

// Check is Verify returning ErrBumpMismatch with context on failure.
func Check(seed string, programID solana.PublicKey, bump uint8, claimed solana.PublicKey) error {
	if Verify(seed, programID, bump, claimed) {
		return nil
	}
	return xerrors.New(CodeBumpMismatch, fmt.Sprintf("seed %q bump %d does not derive %s", seed, bump, claimed),
		xerrors.WithMetadata("seed", seed),
		xerrors.WithMetadata("address", claimed.String()),
	)
}
