package strategy

import (
	"github.com/pkg/errors"
)

// Builder assembles a strategy through chained calls. The first error is kept
// and returned by Build.
type Builder struct {
	id          string
	name        string
	description string
	levels      []Level
	err         error
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

func (b *Builder) WithID(id string) *Builder {
	b.id = id
	return b
}

func (b *Builder) WithDescription(description string) *Builder {
	b.description = description
	return b
}

// AddLevel appends a phase selling sellPercentage of the position once price
// is targetPercentage above entry.
func (b *Builder) AddLevel(targetPercentage, sellPercentage float64) *Builder {
	if b.err != nil {
		return b
	}
	l := NewLevel(targetPercentage, sellPercentage)
	if err := l.Validate(); err != nil {
		b.err = errors.Wrapf(err, "level %d", len(b.levels)+1)
		return b
	}
	b.levels = append(b.levels, l)
	return b
}

func (b *Builder) AddLevels(levels ...Level) *Builder {
	for _, l := range levels {
		b.AddLevel(l.TargetPercentage, l.SellPercentage)
	}
	return b
}

// EvenSplit adds one level per target, dividing totalSell equally.
func (b *Builder) EvenSplit(targets []float64, totalSell float64) *Builder {
	if b.err != nil {
		return b
	}
	if len(targets) == 0 {
		b.err = errors.Wrap(ErrEmptyStrategy, "even split needs at least one target")
		return b
	}
	share := totalSell / float64(len(targets))
	for _, t := range targets {
		b.AddLevel(t, share)
	}
	return b
}

// Ladder adds count evenly spaced targets starting at first, step apart.
func (b *Builder) Ladder(count int, first, step, totalSell float64) *Builder {
	if b.err != nil {
		return b
	}
	if count <= 0 || step <= 0 {
		b.err = errors.Wrapf(ErrInvalidLevel, "ladder count %d step %.4f", count, step)
		return b
	}
	targets := make([]float64, count)
	for i := range targets {
		targets[i] = first + float64(i)*step
	}
	return b.EvenSplit(targets, totalSell)
}

func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, errors.Wrapf(b.err, "build strategy %q", b.name)
	}
	return New(b.id, b.name, b.description, b.levels)
}

// MustBuild is Build for hard-coded strategies.
func (b *Builder) MustBuild() *Config {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}
