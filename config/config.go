// Package config parses the split-session command-line options (spec
// §6 "CLI wiring"), using github.com/spf13/pflag for GNU-style flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/strategy"
)

// Options holds the split-session settings a client run is configured
// with, separate from path selection itself (which still consults the
// live consensus for everything these fields don't pin down).
type Options struct {
	// SplitSubcircuits is the target number of sub-circuits to join
	// into the session, including the base circuit itself.
	SplitSubcircuits int
	SplitStrategy    strategy.Name
	SplitEntryNodes  []string
	SplitMiddleNodes []string
	SplitExitNodes   []string
}

// Default returns the single-sub-circuit, MIN_ID-strategy configuration
// equivalent to running with splitting disabled.
func Default() Options {
	return Options{
		SplitSubcircuits: 1,
		SplitStrategy:    strategy.MinID,
	}
}

// Parse registers the split-session flags on fs and returns the parsed
// Options. fs is typically pflag.CommandLine; a caller-supplied FlagSet
// makes this testable without touching global flag state.
func Parse(fs *pflag.FlagSet, args []string) (Options, error) {
	opts := Default()

	subcircuits := fs.Int("split-subcircuits", opts.SplitSubcircuits,
		"number of sub-circuits to maintain in the split session, including the base circuit")
	strategyName := fs.String("split-strategy", opts.SplitStrategy.String(),
		"split strategy: MIN_ID, MAX_ID, ROUND_ROBIN, RANDOM_UNIFORM, WEIGHTED_RANDOM, BATCHED_WEIGHTED_RANDOM")
	entryNodes := fs.String("split-entry-nodes", "", "comma-separated relay fingerprints to use as sub-circuit entry nodes")
	middleNodes := fs.String("split-middle-nodes", "", "comma-separated relay fingerprints to use as the shared sub-circuit middle node")
	exitNodes := fs.String("split-exit-nodes", "", "comma-separated relay fingerprints to use as the shared sub-circuit exit node")

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("config: parse flags: %w", err)
	}

	if *subcircuits < 1 || *subcircuits > split.MaxSubcircs {
		return Options{}, fmt.Errorf("config: -split-subcircuits must be between 1 and %d, got %d", split.MaxSubcircs, *subcircuits)
	}
	opts.SplitSubcircuits = *subcircuits

	name, err := strategy.ParseName(*strategyName)
	if err != nil {
		return Options{}, fmt.Errorf("config: -split-strategy: %w", err)
	}
	opts.SplitStrategy = name

	opts.SplitEntryNodes = splitNonEmpty(*entryNodes)
	opts.SplitMiddleNodes = splitNonEmpty(*middleNodes)
	opts.SplitExitNodes = splitNonEmpty(*exitNodes)

	return opts, nil
}

func splitNonEmpty(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
