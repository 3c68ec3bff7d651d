// Package riskset implements the Active Risk Set: the authoritative
// in-memory collection of users currently being watched for liquidation
// risk, keyed by lowercase address.
package riskset

import (
	"math"
	"strings"
	"sync"
)

// Candidate is a single watched user's last-known risk state.
type Candidate struct {
	Address          string
	HealthFactor     float64 // math.Inf(1) when the user carries no debt
	LastDebtUsd      float64
	LastCollateral   float64
	LastCheckedMs    int64
}

// Set is the mutex-guarded Active Risk Set.
type Set struct {
	mu         sync.RWMutex
	candidates map[string]Candidate

	minDebtUsd  float64
	removalHF   float64
	maxUsers    int
}

// New builds an empty risk set. minDebtUsd is the admission/retention
// floor, removalHFMargin is the hysteresis threshold above which a
// candidate is evicted, and maxUsers bounds memory use.
func New(minDebtUsd, removalHFMargin float64, maxUsers int) *Set {
	return &Set{
		candidates: make(map[string]Candidate),
		minDebtUsd: minDebtUsd,
		removalHF:  removalHFMargin,
		maxUsers:   maxUsers,
	}
}

func normalize(address string) string {
	return strings.ToLower(address)
}

// Add inserts or updates a candidate. Dust positions (non-zero debt below
// the minimum) are rejected and the address is removed if already
// present.
func (s *Set) Add(address string, hf, debtUsd, collateralUsd float64, nowMs int64) {
	addr := normalize(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	if debtUsd > 0 && debtUsd < s.minDebtUsd {
		delete(s.candidates, addr)
		return
	}
	s.candidates[addr] = Candidate{
		Address:        addr,
		HealthFactor:   hf,
		LastDebtUsd:    debtUsd,
		LastCollateral: collateralUsd,
		LastCheckedMs:  nowMs,
	}
}

// AddWithCap behaves like Add but evicts the finite-HF candidate with the
// highest health factor when the set would exceed its capacity. An
// infinite-HF placeholder is never evicted in preference to a finite one.
func (s *Set) AddWithCap(address string, hf, debtUsd, collateralUsd float64, nowMs int64) {
	s.Add(address, hf, debtUsd, collateralUsd, nowMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candidates) <= s.maxUsers {
		return
	}
	var evictAddr string
	highestFiniteHF := -1.0
	found := false
	for addr, c := range s.candidates {
		if math.IsInf(c.HealthFactor, 1) {
			continue
		}
		if !found || c.HealthFactor > highestFiniteHF {
			highestFiniteHF = c.HealthFactor
			evictAddr = addr
			found = true
		}
	}
	if found {
		delete(s.candidates, evictAddr)
	}
}

// Get returns a snapshot of a tracked candidate.
func (s *Set) Get(address string) (Candidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[normalize(address)]
	return c, ok
}

// Remove drops a candidate unconditionally.
func (s *Set) Remove(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.candidates, normalize(address))
}

// ShouldRemove reports whether a tracked candidate is no longer worth
// watching: either its debt fell below the floor or its health factor
// rose above the hysteresis removal margin.
func (s *Set) ShouldRemove(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[normalize(address)]
	if !ok {
		return false
	}
	return c.LastDebtUsd < s.minDebtUsd || c.HealthFactor > s.removalHF
}

// PruneHealthyUsers removes every candidate for which ShouldRemove holds.
func (s *Set) PruneHealthyUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for addr, c := range s.candidates {
		if c.LastDebtUsd < s.minDebtUsd || c.HealthFactor > s.removalHF {
			delete(s.candidates, addr)
			removed++
		}
	}
	return removed
}

// GetBelowThreshold returns every candidate with HF under threshold and
// debt at or above the minimum floor.
func (s *Set) GetBelowThreshold(threshold float64) []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candidate, 0)
	for _, c := range s.candidates {
		if c.HealthFactor < threshold && c.LastDebtUsd >= s.minDebtUsd {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the current number of tracked candidates.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candidates)
}

// Snapshot returns every tracked candidate, for metrics/inspection.
func (s *Set) Snapshot() []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, c)
	}
	return out
}

// MinActionableHF returns the lowest HF currently tracked, or math.Inf(1)
// if the set is empty. Used by the heartbeat summary.
func (s *Set) MinActionableHF() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	min := math.Inf(1)
	for _, c := range s.candidates {
		if c.HealthFactor < min {
			min = c.HealthFactor
		}
	}
	return min
}
