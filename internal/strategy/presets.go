package strategy

import (
	"sort"

	"github.com/pkg/errors"
)

var presets = map[string]func() *Config{
	"conservative": func() *Config {
		return NewBuilder("Conservative").
			WithID("conservative").
			WithDescription("Early partial exits, most of the position sold by +15%").
			AddLevel(5, 30).
			AddLevel(10, 40).
			AddLevel(15, 30).
			MustBuild()
	},
	"balanced": func() *Config {
		return NewBuilder("Balanced").
			WithID("balanced").
			WithDescription("Three exits spread over +10% to +30%").
			AddLevel(10, 30).
			AddLevel(20, 40).
			AddLevel(30, 30).
			MustBuild()
	},
	"aggressive": func() *Config {
		return NewBuilder("Aggressive").
			WithID("aggressive").
			WithDescription("Lets winners run; keeps a runner after +100%").
			AddLevel(25, 20).
			AddLevel(50, 30).
			AddLevel(100, 30).
			MustBuild()
	},
	"scalping": func() *Config {
		return NewBuilder("Scalping").
			WithID("scalping").
			WithDescription("Tight targets for fast markets").
			Ladder(4, 1, 1, 100).
			MustBuild()
	},
	"moonshot": func() *Config {
		return NewBuilder("Moonshot").
			WithID("moonshot").
			WithDescription("Wide ladder for highly volatile assets").
			AddLevel(50, 15).
			AddLevel(100, 20).
			AddLevel(200, 25).
			AddLevel(500, 20).
			MustBuild()
	},
}

// Preset returns a built-in strategy by id.
func Preset(name string) (*Config, error) {
	fn, ok := presets[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "preset %q", name)
	}
	return fn(), nil
}

// PresetNames lists the built-in strategy ids in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
