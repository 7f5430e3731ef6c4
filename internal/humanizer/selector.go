package humanizer

import (
	"fmt"
	"strings"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
)

// SelectOne draws one option per block, independently and uniformly, using
// the given source. The returned slice has one Selection per block.
func SelectOne(blocks []Block, src random.Source) []domain.Selection {
	sels := make([]domain.Selection, len(blocks))
	for i, b := range blocks {
		opt := random.Intn(src, len(b.Options))
		sels[i] = domain.Selection{
			BlockIndex:  b.Index,
			OptionIndex: opt,
			OptionText:  b.Options[opt],
		}
	}
	return sels
}

// SelectWithSeed is a pure function of (blocks, seed): the same inputs
// always yield the same selections. Used for reproducible previews.
func SelectWithSeed(blocks []Block, seed uint64) []domain.Selection {
	return SelectOne(blocks, random.Seeded(seed))
}

// SelectMany returns up to n distinct combinations, best effort. When the
// template has fewer total combinations than n, every combination may appear
// at most once. n is capped at 10.
func SelectMany(blocks []Block, n int, src random.Source) [][]domain.Selection {
	if n > 10 {
		n = 10
	}
	if n <= 0 || len(blocks) == 0 {
		return nil
	}

	var out [][]domain.Selection
	seen := make(map[string]bool)

	// A few extra attempts to find distinct combinations before giving up.
	for attempt := 0; attempt < n*4 && len(out) < n; attempt++ {
		sels := SelectOne(blocks, src)
		key := selectionKey(sels)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sels)
	}
	return out
}

func selectionKey(sels []domain.Selection) string {
	var sb strings.Builder
	for _, s := range sels {
		fmt.Fprintf(&sb, "%d:%d;", s.BlockIndex, s.OptionIndex)
	}
	return sb.String()
}

// BlockHistogram is the observed option distribution for one block.
type BlockHistogram struct {
	BlockIndex int     `json:"block_index"`
	Counts     []int   `json:"counts"`
	Expected   float64 `json:"expected"`
	ChiSquare  float64 `json:"chi_square"`
}

// DistributionReport summarizes how evenly options were drawn over a number
// of iterations. UniformityIndex is the mean min/max count ratio across
// blocks; 1.0 means perfectly even.
type DistributionReport struct {
	Iterations      int              `json:"iterations"`
	Blocks          []BlockHistogram `json:"blocks"`
	UniformityIndex float64          `json:"uniformity_index"`
}

// TestDistribution draws iterations selections and reports per-block
// histograms with chi-square statistics against the uniform distribution.
func TestDistribution(blocks []Block, iterations int, src random.Source) DistributionReport {
	report := DistributionReport{Iterations: iterations}
	if len(blocks) == 0 || iterations <= 0 {
		return report
	}

	counts := make([][]int, len(blocks))
	for i, b := range blocks {
		counts[i] = make([]int, len(b.Options))
	}

	for n := 0; n < iterations; n++ {
		for i, sel := range SelectOne(blocks, src) {
			counts[i][sel.OptionIndex]++
		}
	}

	var indexSum float64
	for i, b := range blocks {
		expected := float64(iterations) / float64(len(b.Options))
		var chi float64
		minC, maxC := counts[i][0], counts[i][0]
		for _, c := range counts[i] {
			d := float64(c) - expected
			chi += d * d / expected
			if c < minC {
				minC = c
			}
			if c > maxC {
				maxC = c
			}
		}
		report.Blocks = append(report.Blocks, BlockHistogram{
			BlockIndex: b.Index,
			Counts:     counts[i],
			Expected:   expected,
			ChiSquare:  chi,
		})
		if maxC > 0 {
			indexSum += float64(minC) / float64(maxC)
		}
	}
	report.UniformityIndex = indexSum / float64(len(blocks))
	return report
}
