package config

import (
	"testing"

	"github.com/spf13/pflag"

	"github.com/cvsouth/splitcore/split/strategy"
)

func TestParseDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts, err := Parse(fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.SplitSubcircuits != 1 {
		t.Fatalf("expected default of 1 sub-circuit, got %d", opts.SplitSubcircuits)
	}
	if opts.SplitStrategy != strategy.MinID {
		t.Fatalf("expected default strategy MIN_ID, got %v", opts.SplitStrategy)
	}
}

func TestParseOverrides(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	args := []string{
		"-split-subcircuits=3",
		"-split-strategy=WEIGHTED_RANDOM",
		"-split-entry-nodes=AAAA,BBBB",
	}
	opts, err := Parse(fs, args)
	if err != nil {
		t.Fatal(err)
	}
	if opts.SplitSubcircuits != 3 {
		t.Fatalf("expected 3 sub-circuits, got %d", opts.SplitSubcircuits)
	}
	if opts.SplitStrategy != strategy.WeightedRandom {
		t.Fatalf("expected WEIGHTED_RANDOM, got %v", opts.SplitStrategy)
	}
	if len(opts.SplitEntryNodes) != 2 || opts.SplitEntryNodes[0] != "AAAA" || opts.SplitEntryNodes[1] != "BBBB" {
		t.Fatalf("expected entry nodes [AAAA BBBB], got %v", opts.SplitEntryNodes)
	}
}

func TestParseRejectsOutOfRangeSubcircuitCount(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if _, err := Parse(fs, []string{"-split-subcircuits=0"}); err == nil {
		t.Fatal("expected error for 0 sub-circuits")
	}
	fs2 := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if _, err := Parse(fs2, []string{"-split-subcircuits=99"}); err == nil {
		t.Fatal("expected error for sub-circuit count beyond MaxSubcircs")
	}
}

func TestParseRejectsUnknownStrategy(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if _, err := Parse(fs, []string{"-split-strategy=NOT_A_STRATEGY"}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
