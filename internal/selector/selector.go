package selector

import (
	"strings"
)

const (
	// singleSurvivorFloor is the minimum confidence for accepting a
	// turn with exactly one surviving candidate
	singleSurvivorFloor = 0.6

	minTextLen = 2
	maxTextLen = 200
)

// Selector scores and filters competing transcription candidates for one
// recognition turn. It mutates only the profile it owns; absence of an
// accepted candidate is a normal outcome, not an error.
type Selector struct {
	profile *Profile
}

// NewSelector creates a selector bound to a session's profile
func NewSelector(p *Profile) *Selector {
	return &Selector{profile: p}
}

// Profile returns the bound profile
func (s *Selector) Profile() *Profile {
	return s.profile
}

// SelectBest returns at most one accepted candidate for the turn.
// The second return value reports whether a candidate was accepted.
func (s *Selector) SelectBest(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		s.profile.recordTurn(false)
		return Candidate{}, false
	}

	survivors := s.filter(candidates)

	best, ok := s.selectOptimal(survivors)
	s.profile.recordTurn(ok)
	if ok {
		s.profile.recordAccepted(best)
	}
	return best, ok
}

// filter drops low-quality candidates. The threshold is computed once per
// turn so every candidate in the set faces the same cutoff.
func (s *Selector) filter(candidates []Candidate) []Candidate {
	threshold := s.profile.Threshold()
	noise := s.profile.noiseLevel

	var survivors []Candidate
	for _, c := range candidates {
		if c.Confidence < threshold {
			s.profile.consecutiveLowConfidence++
			continue
		}

		// Suspiciously short or long hypotheses
		if len(c.Text) < minTextLen || len(c.Text) > maxTextLen {
			continue
		}

		// Under heavy noise, demand high confidence
		if noise > 0.7 && c.Confidence < 0.8 {
			continue
		}

		s.profile.consecutiveLowConfidence = 0
		survivors = append(survivors, c)
	}
	return survivors
}

// selectOptimal picks the highest-scoring survivor. A lone survivor must
// still clear the single-survivor confidence floor.
func (s *Selector) selectOptimal(survivors []Candidate) (Candidate, bool) {
	if len(survivors) == 0 {
		return Candidate{}, false
	}

	if len(survivors) == 1 {
		if survivors[0].Confidence >= singleSurvivorFloor {
			return survivors[0], true
		}
		return Candidate{}, false
	}

	noiseAdjustment := 0.0
	if s.profile.noiseLevel > 0.5 {
		noiseAdjustment = 0.1
	}

	best := survivors[0]
	bestScore := -1.0
	for _, c := range survivors {
		score := 0.5*c.Confidence +
			0.3*s.contextScore(c.Text) +
			0.2*lengthScore(c.Text) -
			noiseAdjustment
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best, true
}

// contextScore estimates how plausible a hypothesis is given the recent
// accepted history
func (s *Selector) contextScore(text string) float64 {
	if len(s.profile.history) == 0 {
		return 0.5
	}

	// A hypothesis contained in a recent accepted text is likely a
	// repeat-recognition artifact
	for _, prev := range s.profile.recentTexts(5) {
		if strings.Contains(prev, text) {
			return 0.3
		}
	}

	words := strings.Fields(text)
	switch {
	case len(words) == 1:
		return 0.7 // Single-word continuation
	case len(words) > 1:
		return 0.8 // Multi-word phrase
	default:
		return 0.5
	}
}

// lengthScore rewards hypotheses in the typical utterance range
func lengthScore(text string) float64 {
	switch n := len(text); {
	case n >= 3 && n <= 50:
		return 1.0
	case n >= 1 && n <= 2:
		return 0.7
	case n >= 51 && n <= 100:
		return 0.8
	default:
		return 0.3
	}
}
