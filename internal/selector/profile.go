package selector

import (
	"time"
)

const (
	// DefaultBaseThreshold is the starting confidence cutoff
	DefaultBaseThreshold = 0.7

	// DefaultHistorySize caps the accepted-candidate ring
	DefaultHistorySize = 50

	// recentTurnWindow is how many turn outcomes feed the acceptance rate
	recentTurnWindow = 10

	// minThreshold and maxThreshold clamp the derived threshold
	minThreshold = 0.4
	maxThreshold = 0.9
)

// Candidate is one raw hypothesis transcription with its confidence.
// A missing platform confidence should be filled with NeutralConfidence
// before the candidate reaches the selector.
type Candidate struct {
	Text       string
	Confidence float64
	Final      bool
	ObservedAt time.Time
}

// NeutralConfidence is assigned when the platform provides no score
const NeutralConfidence = 0.5

// Profile tracks adaptive recognition state for one capture session.
// It is owned by a single session and must not be shared.
type Profile struct {
	baseThreshold float64
	historyCap    int

	history                  []Candidate // accepted candidates, oldest first
	recentTurns              []bool      // turn outcomes, oldest first
	noiseLevel               float64
	consecutiveLowConfidence int
}

// NewProfile creates a fresh profile with the given base threshold.
// Zero values fall back to the defaults.
func NewProfile(baseThreshold float64, historyCap int) *Profile {
	if baseThreshold <= 0 {
		baseThreshold = DefaultBaseThreshold
	}
	if historyCap <= 0 {
		historyCap = DefaultHistorySize
	}
	return &Profile{
		baseThreshold: baseThreshold,
		historyCap:    historyCap,
	}
}

// Threshold derives the adaptive confidence cutoff from recent history
// and the noise estimate, clamped to [0.4, 0.9]
func (p *Profile) Threshold() float64 {
	threshold := p.baseThreshold

	if len(p.recentTurns) > 0 {
		accepted := 0
		for _, ok := range p.recentTurns {
			if ok {
				accepted++
			}
		}
		rate := float64(accepted) / float64(len(p.recentTurns))
		switch {
		case rate > 0.8:
			threshold -= 0.1 // Doing well, let more through
		case rate < 0.5:
			threshold += 0.1 // Struggling, be stricter
		}
	}

	if p.noiseLevel > 0.6 {
		threshold += 0.1
	}
	if p.noiseLevel < 0.3 {
		threshold -= 0.05
	}

	if p.consecutiveLowConfidence > 3 {
		threshold -= 0.1
	}

	return clamp(threshold, minThreshold, maxThreshold)
}

// ObserveNoise folds an ambient level sample on the [0,1] scale into the
// exponentially smoothed noise estimate
func (p *Profile) ObserveNoise(level float64) {
	p.noiseLevel = clamp(0.9*p.noiseLevel+0.1*level, 0, 1)
}

// NoiseLevel returns the current smoothed noise estimate
func (p *Profile) NoiseLevel() float64 {
	return p.noiseLevel
}

// ConsecutiveLowConfidence returns the current low-confidence streak
func (p *Profile) ConsecutiveLowConfidence() int {
	return p.consecutiveLowConfidence
}

// History returns the accepted candidates, oldest first
func (p *Profile) History() []Candidate {
	out := make([]Candidate, len(p.history))
	copy(out, p.history)
	return out
}

// recordAccepted appends an accepted candidate, dropping the oldest
// beyond the cap
func (p *Profile) recordAccepted(c Candidate) {
	p.history = append(p.history, c)
	if len(p.history) > p.historyCap {
		p.history = p.history[1:]
	}
}

// recordTurn appends a turn outcome to the bounded acceptance window
func (p *Profile) recordTurn(accepted bool) {
	p.recentTurns = append(p.recentTurns, accepted)
	if len(p.recentTurns) > recentTurnWindow {
		p.recentTurns = p.recentTurns[1:]
	}
}

// recentTexts returns the last n accepted texts, most recent last
func (p *Profile) recentTexts(n int) []string {
	start := len(p.history) - n
	if start < 0 {
		start = 0
	}
	texts := make([]string, 0, len(p.history)-start)
	for _, c := range p.history[start:] {
		texts = append(texts, c.Text)
	}
	return texts
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
