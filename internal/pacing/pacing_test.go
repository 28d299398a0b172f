package pacing

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestSampleWithinBounds(t *testing.T) {
	t.Parallel()
	s := NewSampler(rand.New(rand.NewPCG(1, 2)))
	tests := []struct {
		expr      string
		low, high float64
	}{
		{"60-70", 60, 70},
		{"0.1-0.1", 0.1, 0.1},
		{" 25 - 35 ", 25, 35},
		{"0-1", 0, 1},
		{"1.5-2.25", 1.5, 2.25},
	}
	for _, tt := range tests {
		for i := 0; i < 2000; i++ {
			v := s.Sample(tt.expr)
			if v < tt.low || v > tt.high {
				t.Fatalf("Sample(%q) = %v, want within [%v, %v]", tt.expr, v, tt.low, tt.high)
			}
		}
	}
}

func TestSampleSpreadsAcrossRange(t *testing.T) {
	t.Parallel()
	s := NewSampler(rand.New(rand.NewPCG(3, 4)))
	var lowHalf, highHalf int
	for i := 0; i < 1000; i++ {
		if s.Sample("0-10") < 5 {
			lowHalf++
		} else {
			highHalf++
		}
	}
	if lowHalf < 300 || highHalf < 300 {
		t.Fatalf("distribution looks skewed: low=%d high=%d", lowHalf, highHalf)
	}
}

func TestSampleFallback(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "   ", "abc", "1-x", "-5", "5-", "1-2-3", "--", "NaN", "1-Inf", "a-b"} {
		if got := Sample(expr); got != Fallback {
			t.Fatalf("Sample(%q) = %v, want fallback %v", expr, got, Fallback)
		}
	}
}

func TestSampleBareNumber(t *testing.T) {
	t.Parallel()
	if got := Sample("42"); got != 42 {
		t.Fatalf("Sample(42) = %v", got)
	}
	if got := Sample("0.01"); got != 0.01 {
		t.Fatalf("Sample(0.01) = %v", got)
	}
}

func TestSampleSwapsReversedBounds(t *testing.T) {
	t.Parallel()
	for i := 0; i < 500; i++ {
		v := Sample("70-60")
		if v < 60 || v > 70 {
			t.Fatalf("Sample(70-60) = %v, want within [60, 70]", v)
		}
	}
}

func TestSampleValueScalars(t *testing.T) {
	t.Parallel()
	if got := SampleValue(30); got != 30 {
		t.Fatalf("SampleValue(30) = %v", got)
	}
	if got := SampleValue(0.5); got != 0.5 {
		t.Fatalf("SampleValue(0.5) = %v", got)
	}
	if got := SampleValue(nil); got != Fallback {
		t.Fatalf("SampleValue(nil) = %v", got)
	}
	if got := SampleValue(true); got != Fallback {
		t.Fatalf("SampleValue(true) = %v", got)
	}
}

func TestDurationsAndMidpoint(t *testing.T) {
	t.Parallel()
	s := NewSampler(nil)
	if d := s.Seconds("2-2"); d != 2*time.Second {
		t.Fatalf("Seconds = %v", d)
	}
	if d := s.Minutes("0.01-0.01"); d != 600*time.Millisecond {
		t.Fatalf("Minutes = %v", d)
	}
	if d := s.Seconds("0-0"); d != 0 {
		t.Fatalf("Seconds(0-0) = %v", d)
	}
	if m := Midpoint("25-35"); m != 30 {
		t.Fatalf("Midpoint = %v", m)
	}
	if m := Midpoint("junk"); m != Fallback {
		t.Fatalf("Midpoint(junk) = %v", m)
	}
	if !Valid("1-10") || Valid("1-2-3") {
		t.Fatal("Valid mismatch")
	}
}

func TestChance(t *testing.T) {
	t.Parallel()
	s := NewSampler(rand.New(rand.NewPCG(5, 6)))
	for i := 0; i < 100; i++ {
		if s.Chance(0) || !s.Chance(1) || s.Chance(-3) || !s.Chance(7) {
			t.Fatal("Chance ignores clamping")
		}
	}
	hits := 0
	for i := 0; i < 2000; i++ {
		if s.Chance(0.25) {
			hits++
		}
	}
	if hits < 350 || hits > 650 {
		t.Fatalf("Chance(0.25) hit %d/2000", hits)
	}
}
