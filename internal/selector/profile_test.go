package selector

import (
	"fmt"
	"testing"
)

func TestThreshold_AlwaysClamped(t *testing.T) {
	// Drive the profile through adversarial histories and noise
	// sequences; the derived threshold must stay in [0.4, 0.9]
	scenarios := []struct {
		name  string
		drive func(p *Profile, s *Selector)
	}{
		{"fresh", func(p *Profile, s *Selector) {}},
		{"all rejections", func(p *Profile, s *Selector) {
			for i := 0; i < 30; i++ {
				s.SelectBest([]Candidate{{Text: "noise noise", Confidence: 0.01}})
			}
		}},
		{"all acceptances", func(p *Profile, s *Selector) {
			for i := 0; i < 30; i++ {
				s.SelectBest([]Candidate{{Text: fmt.Sprintf("phrase number %d", i), Confidence: 0.99}})
			}
		}},
		{"max noise", func(p *Profile, s *Selector) {
			for i := 0; i < 500; i++ {
				p.ObserveNoise(1.0)
			}
		}},
		{"silence", func(p *Profile, s *Selector) {
			for i := 0; i < 500; i++ {
				p.ObserveNoise(0.0)
			}
		}},
		{"noise then rejections", func(p *Profile, s *Selector) {
			for i := 0; i < 500; i++ {
				p.ObserveNoise(1.0)
			}
			for i := 0; i < 30; i++ {
				s.SelectBest([]Candidate{{Text: "static burst here", Confidence: 0.01}})
			}
		}},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			p := NewProfile(DefaultBaseThreshold, DefaultHistorySize)
			s := NewSelector(p)
			sc.drive(p, s)
			got := p.Threshold()
			if got < 0.4 || got > 0.9 {
				t.Errorf("Threshold %f outside [0.4, 0.9]", got)
			}
		})
	}
}

func TestProfile_HistoryBounded(t *testing.T) {
	p := NewProfile(DefaultBaseThreshold, DefaultHistorySize)
	s := NewSelector(p)

	for i := 0; i < 80; i++ {
		text := fmt.Sprintf("accepted utterance %d", i)
		if _, ok := s.SelectBest([]Candidate{{Text: text, Confidence: 0.99}}); !ok {
			t.Fatalf("Turn %d unexpectedly rejected", i)
		}
	}

	history := p.History()
	if len(history) != DefaultHistorySize {
		t.Fatalf("Expected history capped at %d, got %d", DefaultHistorySize, len(history))
	}
	// Oldest entries dropped, newest kept
	if history[len(history)-1].Text != "accepted utterance 79" {
		t.Errorf("Expected newest entry last, got '%s'", history[len(history)-1].Text)
	}
	if history[0].Text != "accepted utterance 30" {
		t.Errorf("Expected entry 30 first after eviction, got '%s'", history[0].Text)
	}
}

func TestObserveNoise_ExponentialSmoothing(t *testing.T) {
	p := NewProfile(DefaultBaseThreshold, DefaultHistorySize)

	p.ObserveNoise(1.0)
	if got := p.NoiseLevel(); got != 0.1 {
		t.Errorf("Expected 0.1 after first sample, got %f", got)
	}

	p.ObserveNoise(1.0)
	want := 0.9*0.1 + 0.1*1.0
	if got := p.NoiseLevel(); got < want-1e-9 || got > want+1e-9 {
		t.Errorf("Expected %f after second sample, got %f", want, got)
	}
}

func TestObserveNoise_ClampedToUnit(t *testing.T) {
	p := NewProfile(DefaultBaseThreshold, DefaultHistorySize)
	for i := 0; i < 1000; i++ {
		p.ObserveNoise(5.0) // Out-of-range input
	}
	if got := p.NoiseLevel(); got > 1.0 {
		t.Errorf("Expected noise level clamped to 1.0, got %f", got)
	}
}

func TestNewProfile_Defaults(t *testing.T) {
	p := NewProfile(0, 0)
	if p.baseThreshold != DefaultBaseThreshold {
		t.Errorf("Expected default base threshold, got %f", p.baseThreshold)
	}
	if p.historyCap != DefaultHistorySize {
		t.Errorf("Expected default history cap, got %d", p.historyCap)
	}
}
