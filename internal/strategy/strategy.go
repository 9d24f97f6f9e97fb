// Package strategy defines multi-phase exit strategies: an ordered list of
// profit targets, each selling a fixed share of the position once reached.
package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

var (
	ErrEmptyStrategy        = errors.New("strategy has no levels")
	ErrInvalidLevel         = errors.New("invalid strategy level")
	ErrNonIncreasingTargets = errors.New("level targets must be strictly increasing")
	ErrSellOverflow         = errors.New("total sell percentage exceeds 100")
	ErrNotFound             = errors.New("strategy not found")
)

// sellEpsilon absorbs float noise when summing sell percentages such as 33.33*3.
const sellEpsilon = 1e-9

// Level is a single phase of a strategy.
type Level struct {
	TargetPercentage float64 `json:"target_percentage" yaml:"target_percentage"`
	Multiplier       float64 `json:"multiplier" yaml:"-"`
	SellPercentage   float64 `json:"sell_percentage" yaml:"sell_percentage"`
}

// NewLevel returns a level whose multiplier is derived from the target.
func NewLevel(targetPercentage, sellPercentage float64) Level {
	return Level{
		TargetPercentage: targetPercentage,
		Multiplier:       1 + targetPercentage/100,
		SellPercentage:   sellPercentage,
	}
}

// Validate checks the level in isolation.
func (l Level) Validate() error {
	if math.IsNaN(l.TargetPercentage) || math.IsInf(l.TargetPercentage, 0) || l.TargetPercentage <= 0 {
		return errors.Wrapf(ErrInvalidLevel, "target percentage %.4f must be > 0", l.TargetPercentage)
	}
	if math.IsNaN(l.SellPercentage) || l.SellPercentage <= 0 || l.SellPercentage > 100 {
		return errors.Wrapf(ErrInvalidLevel, "sell percentage %.4f must be in (0, 100]", l.SellPercentage)
	}
	if math.Abs(l.Multiplier-(1+l.TargetPercentage/100)) > 1e-9 {
		return errors.Wrapf(ErrInvalidLevel, "multiplier %.6f does not match target %.4f", l.Multiplier, l.TargetPercentage)
	}
	return nil
}

// Config is an immutable, validated strategy. It is safe to share between
// positions without locking.
type Config struct {
	id          string
	name        string
	description string
	levels      []Level
}

// New validates levels and returns a strategy. Levels must already be ordered
// by target; they are never reordered.
func New(id, name, description string, levels []Level) (*Config, error) {
	if len(levels) == 0 {
		return nil, errors.Wrapf(ErrEmptyStrategy, "strategy %q", name)
	}

	own := make([]Level, len(levels))
	total := 0.0
	for i, l := range levels {
		if l.Multiplier == 0 {
			l = NewLevel(l.TargetPercentage, l.SellPercentage)
		}
		if err := l.Validate(); err != nil {
			return nil, errors.Wrapf(err, "strategy %q phase %d", name, i+1)
		}
		if i > 0 && l.TargetPercentage <= own[i-1].TargetPercentage {
			return nil, errors.Wrapf(ErrNonIncreasingTargets, "strategy %q phase %d target %.4f <= %.4f",
				name, i+1, l.TargetPercentage, own[i-1].TargetPercentage)
		}
		total += l.SellPercentage
		own[i] = l
	}
	if total > 100+sellEpsilon {
		return nil, errors.Wrapf(ErrSellOverflow, "strategy %q sells %.4f%%", name, total)
	}

	if id == "" {
		id = name
	}

	return &Config{
		id:          id,
		name:        name,
		description: description,
		levels:      own,
	}, nil
}

func (c *Config) ID() string          { return c.id }
func (c *Config) Name() string        { return c.name }
func (c *Config) Description() string { return c.description }
func (c *Config) NumPhases() int      { return len(c.levels) }

// Levels returns a copy of the levels.
func (c *Config) Levels() []Level {
	out := make([]Level, len(c.levels))
	copy(out, c.levels)
	return out
}

// Level returns the level for a 1-based phase number.
func (c *Config) Level(phase int) (Level, bool) {
	if phase < 1 || phase > len(c.levels) {
		return Level{}, false
	}
	return c.levels[phase-1], true
}

// TotalSellPercentage is the share of the position sold once every phase ran.
func (c *Config) TotalSellPercentage() float64 {
	total := 0.0
	for _, l := range c.levels {
		total += l.SellPercentage
	}
	return total
}

// RetainedPercentage is the share kept after the last phase.
func (c *Config) RetainedPercentage() float64 {
	return math.Max(0, 100-c.TotalSellPercentage())
}

func (c *Config) String() string {
	return fmt.Sprintf("Strategy{id: %s, name: %s, phases: %d, sell: %.2f%%}",
		c.id, c.name, len(c.levels), c.TotalSellPercentage())
}

// Store is the read-only view of the strategy template storage.
type Store interface {
	Get(ctx context.Context, id string) (*Config, error)
	List(ctx context.Context) ([]*Config, error)
}
