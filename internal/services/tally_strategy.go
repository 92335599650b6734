// Package services provides business logic and orchestration services.
//
// This file implements the Strategy Pattern for ballot tallies. Each tally
// mode (sum, majority) has its own strategy that decides whether a set of
// votes passes a ballot.

package services

import (
	"fmt"

	"matebot/internal/core"
)

// TallyStrategy is the strategy interface for deciding a ballot.
type TallyStrategy interface {
	// Passes returns true if the votes carry the ballot at the given threshold.
	Passes(t core.Tally, threshold int) bool
}

// SumStrategy implements TallyStrategy by adding up vote values.
type SumStrategy struct{}

// Passes returns true if the sum of all votes reaches the threshold.
func (SumStrategy) Passes(t core.Tally, threshold int) bool {
	return t.Sum >= threshold
}

// MajorityStrategy implements TallyStrategy with a simple majority and a quorum.
type MajorityStrategy struct{}

// Passes returns true if approvals outnumber disapprovals and at least
// threshold users voted either way. Abstentions do not count towards the quorum.
func (MajorityStrategy) Passes(t core.Tally, threshold int) bool {
	return t.Yes > t.No && t.Yes+t.No >= threshold
}

// tallyStrategies maps tally modes to their corresponding strategies.
var tallyStrategies = map[core.TallyMode]TallyStrategy{
	core.TallySum:      SumStrategy{},
	core.TallyMajority: MajorityStrategy{},
}

// GetTallyStrategy returns the strategy for a tally mode.
// Returns an error if the mode is not supported.
func GetTallyStrategy(mode core.TallyMode) (TallyStrategy, error) {
	strategy, ok := tallyStrategies[mode]
	if !ok {
		return nil, fmt.Errorf("unknown tally mode: %s", mode)
	}
	return strategy, nil
}
