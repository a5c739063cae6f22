package ingest

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

type Strategy string

const (
	// Sequential keeps records N, 2N, 3N, ... in file order. Runs are repeatable.
	Sequential Strategy = "sequential"
	// Probabilistic keeps each record independently with probability 1/N.
	// Two runs at the same rate load different records unless Seed is set.
	Probabilistic Strategy = "probabilistic"
	// Auto picks Probabilistic for very large inputs with a high rate and
	// Sequential otherwise.
	Auto Strategy = "auto"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Auto:
		return Auto, nil
	case Sequential:
		return Sequential, nil
	case Probabilistic:
		return Probabilistic, nil
	}
	return "", fmt.Errorf("unknown sampling strategy %q", s)
}

// Sampling selects which records of the input are loaded.
type Sampling struct {
	Rate     int
	Strategy Strategy
	// Seed fixes the random sequence of probabilistic sampling; zero picks one.
	Seed uint64
}

func (s Sampling) Validate() error {
	if s.Rate < 1 {
		return fmt.Errorf("sample rate must be >= 1, got %d", s.Rate)
	}
	if _, err := ParseStrategy(string(s.Strategy)); err != nil {
		return err
	}
	return nil
}

// resolve decides the concrete strategy for an input of total records.
func (s Sampling) resolve(total int, opts Options) Strategy {
	strategy, _ := ParseStrategy(string(s.Strategy))
	if strategy != Auto {
		return strategy
	}
	if total >= opts.AutoProbabilisticTotal && s.Rate > opts.AutoProbabilisticRate {
		return Probabilistic
	}
	return Sequential
}

type sampler interface {
	keep() bool
}

type keepAll struct{}

func (keepAll) keep() bool { return true }

type everyNth struct {
	rate     int
	position int
}

func (s *everyNth) keep() bool {
	s.position++
	return s.position%s.rate == 0
}

type bernoulli struct {
	p   float64
	rng *rand.Rand
}

func (s *bernoulli) keep() bool {
	return s.rng.Float64() < s.p
}

func newSampler(rate int, strategy Strategy, seed uint64) sampler {
	if rate <= 1 {
		return keepAll{}
	}
	if strategy == Probabilistic {
		return &bernoulli{
			p:   1 / float64(rate),
			rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		}
	}
	return &everyNth{rate: rate}
}
