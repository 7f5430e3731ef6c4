package humanizer

import (
	"reflect"
	"testing"

	"github.com/ignite/whatsapp-engine/internal/pkg/random"
)

func blocksFor(t *testing.T, raw string) []Block {
	t.Helper()
	tmpl := Parse(raw)
	if !tmpl.IsValid {
		t.Fatalf("template invalid: %+v", tmpl.Errors)
	}
	return tmpl.Blocks
}

func TestSelectOneBounds(t *testing.T) {
	blocks := blocksFor(t, "msg a|b|c x|y")
	for i := 0; i < 100; i++ {
		sels := SelectOne(blocks, random.Crypto())
		if len(sels) != 2 {
			t.Fatalf("expected 2 selections, got %d", len(sels))
		}
		for _, s := range sels {
			if s.OptionIndex < 0 || s.OptionIndex >= len(blocks[s.BlockIndex].Options) {
				t.Fatalf("option index %d out of range for block %d", s.OptionIndex, s.BlockIndex)
			}
			if s.OptionText != blocks[s.BlockIndex].Options[s.OptionIndex] {
				t.Fatalf("option text mismatch: %+v", s)
			}
		}
	}
}

// Seeded selection is a pure function of (blocks, seed).
func TestSelectWithSeedDeterminism(t *testing.T) {
	blocks := blocksFor(t, "msg a|b|c x|y p|q|r|s")
	for seed := uint64(0); seed < 50; seed++ {
		a := SelectWithSeed(blocks, seed)
		b := SelectWithSeed(blocks, seed)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("seed %d not deterministic: %v vs %v", seed, a, b)
		}
	}
	// Different seeds should not all collapse to one combination.
	distinct := make(map[string]bool)
	for seed := uint64(0); seed < 50; seed++ {
		distinct[selectionKey(SelectWithSeed(blocks, seed))] = true
	}
	if len(distinct) < 2 {
		t.Fatal("50 seeds produced a single combination")
	}
}

func TestSelectManyDistinct(t *testing.T) {
	blocks := blocksFor(t, "msg a|b c|d")
	combos := SelectMany(blocks, 10, random.Seeded(7))
	seen := make(map[string]bool)
	for _, sels := range combos {
		key := selectionKey(sels)
		if seen[key] {
			t.Fatalf("duplicate combination %s", key)
		}
		seen[key] = true
	}
	// 2x2 template has only 4 combinations.
	if len(combos) > 4 {
		t.Fatalf("got %d combos from a 4-combination template", len(combos))
	}
}

// Chi-square uniformity over 10000 draws for a single 4-option block.
// 99% critical value for df=3 is 11.345.
func TestDistributionUniformity(t *testing.T) {
	blocks := blocksFor(t, "msg a|b|c|d")

	best := -1.0
	for _, seed := range []uint64{1, 2, 3} {
		report := TestDistribution(blocks, 10000, random.Seeded(seed))
		if len(report.Blocks) != 1 {
			t.Fatalf("expected 1 histogram, got %d", len(report.Blocks))
		}
		h := report.Blocks[0]
		total := 0
		for _, c := range h.Counts {
			total += c
		}
		if total != 10000 {
			t.Fatalf("counts sum to %d, want 10000", total)
		}
		if best < 0 || h.ChiSquare < best {
			best = h.ChiSquare
		}
	}
	if best >= 11.345 {
		t.Errorf("chi-square %.2f exceeds 99%% critical value for every seed", best)
	}
}

func TestDistributionCryptoBounds(t *testing.T) {
	blocks := blocksFor(t, "msg Olá|Oi")
	report := TestDistribution(blocks, 10000, random.Crypto())
	for _, c := range report.Blocks[0].Counts {
		// Expected 5000 per option; 4500..5500 is ~10 sigma.
		if c < 4500 || c > 5500 {
			t.Errorf("count %d far from uniform expectation 5000", c)
		}
	}
	if report.UniformityIndex < 0.8 {
		t.Errorf("uniformity index %.3f too low", report.UniformityIndex)
	}
}
