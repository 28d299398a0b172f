// Package pacing turns human-authored range expressions ("25-35", "0.5")
// into concrete values.
//
// Parsing never fails: any malformed expression resolves to Fallback so a
// pacing loop keeps running under bad configuration.
package pacing

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fallback is returned for every expression that cannot be parsed.
const Fallback = 60.0

// Sampler draws uniformly distributed values from range expressions.
// It is safe for concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a Sampler backed by rng. A nil rng uses a randomly
// seeded PCG source.
func NewSampler(rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Sampler{rng: rng}
}

var defaultSampler = NewSampler(nil)

// Sample resolves expr using the package-level sampler.
func Sample(expr string) float64 { return defaultSampler.Sample(expr) }

// SampleValue resolves a raw config value (string or YAML scalar).
func SampleValue(v any) float64 { return defaultSampler.SampleValue(v) }

// Sample returns a value in [low, high] for "low-high", the number itself for
// a bare number, and Fallback otherwise. Reversed bounds are swapped.
func (s *Sampler) Sample(expr string) float64 {
	low, high, ok := parse(expr)
	if !ok {
		return Fallback
	}
	if low == high {
		return low
	}
	s.mu.Lock()
	f := s.rng.Float64()
	s.mu.Unlock()
	v := low + f*(high-low)
	// guard against rounding past the upper bound
	if v > high {
		v = high
	}
	return v
}

// SampleValue formats non-string scalars before sampling, so a YAML value
// like `30` or `0.5` behaves like "30" or "0.5".
func (s *Sampler) SampleValue(v any) float64 {
	return s.Sample(Stringify(v))
}

// Seconds samples expr as a number of seconds.
func (s *Sampler) Seconds(v any) time.Duration {
	return toDuration(s.SampleValue(v), time.Second)
}

// Minutes samples expr as a number of minutes.
func (s *Sampler) Minutes(v any) time.Duration {
	return toDuration(s.SampleValue(v), time.Minute)
}

// Chance reports true with probability p. Values outside [0, 1] clamp.
func (s *Sampler) Chance(p float64) bool {
	if p <= 0 || math.IsNaN(p) {
		return false
	}
	if p >= 1 {
		return true
	}
	s.mu.Lock()
	f := s.rng.Float64()
	s.mu.Unlock()
	return f < p
}

// Midpoint returns the centre of the range (or the bare value), with the
// same fallback rules as Sample.
func Midpoint(v any) float64 {
	low, high, ok := parse(Stringify(v))
	if !ok {
		return Fallback
	}
	return (low + high) / 2
}

// Valid reports whether expr parses without falling back.
func Valid(v any) bool {
	_, _, ok := parse(Stringify(v))
	return ok
}

// Stringify renders a config scalar the way it would appear in YAML.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

func parse(expr string) (low, high float64, ok bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, 0, false
	}
	parts := strings.Split(expr, "-")
	switch len(parts) {
	case 1:
		v, ok := parseNumber(parts[0])
		return v, v, ok
	case 2:
		lo, ok1 := parseNumber(parts[0])
		hi, ok2 := parseNumber(parts[1])
		if !ok1 || !ok2 {
			return 0, 0, false
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, true
	default:
		return 0, 0, false
	}
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func toDuration(v float64, unit time.Duration) time.Duration {
	if v <= 0 {
		return 0
	}
	d := v * float64(unit)
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
