// Package config loads the target-machine profile the layout and
// liveness passes are parameterized over: page size, short-branch
// range, available registers, and the annealing search budget.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Profile is the tunable surface of the backend core. Every field has
// a sensible default for the target 6502-family machine; LoadProfile
// only exists so experiments don't require recompiling the package.
type Profile struct {
	// PageSize is the byte boundary a branch must not cross without
	// penalty (the 6502's 256-byte page).
	PageSize int `toml:"page_size"`

	// ShortBranchRange is the maximum absolute byte distance a
	// conditional branch can cover (±127 on 6502).
	ShortBranchRange int `toml:"short_branch_range"`

	// ShortBranchSlack is subtracted from ShortBranchRange before the
	// cost function treats a distance as "out of range", leaving room
	// for later passes to grow code slightly without invalidating the
	// chosen layout.
	ShortBranchSlack int `toml:"short_branch_slack"`

	// Registers is the number of local-variable registers available to
	// the allocator driven by the interference graph.
	Registers int `toml:"registers"`

	// AnnealSeed is the fixed RNG seed for deterministic path-cover
	// layout search.
	AnnealSeed uint64 `toml:"anneal_seed"`

	// AnnealShuffles is the number of random initial shuffles tried
	// before the simulated-annealing descent begins.
	AnnealShuffles int `toml:"anneal_shuffles"`

	// AnnealAttemptsPerSwap is the number of attempts run at each swap
	// count during the descent.
	AnnealAttemptsPerSwap int `toml:"anneal_attempts_per_swap"`

	// PermutationCutover is the path count at or below which order()
	// enumerates all permutations instead of annealing.
	PermutationCutover int `toml:"permutation_cutover"`
}

// DefaultProfile is the target 6502-family machine's default tuning.
func DefaultProfile() *Profile {
	return &Profile{
		PageSize:              0x100,
		ShortBranchRange:      127,
		ShortBranchSlack:      4,
		Registers:             3,
		AnnealSeed:            0xDEADBEEF,
		AnnealShuffles:        4,
		AnnealAttemptsPerSwap: 4,
		PermutationCutover:    4,
	}
}

// LoadProfile reads a TOML profile file, filling any field the file
// omits from DefaultProfile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	p := DefaultProfile()
	if err := toml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

// ShortBranchLimit is ShortBranchRange minus ShortBranchSlack, the
// actual threshold the §4.H cost function penalizes against.
func (p *Profile) ShortBranchLimit() int {
	return p.ShortBranchRange - p.ShortBranchSlack
}
