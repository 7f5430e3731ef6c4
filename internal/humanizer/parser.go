// Package humanizer implements message humanization: parsing of inline
// variation blocks ("Hi|Hello|Hey"), uniform random selection, {{variable}}
// substitution, and preview generation.
//
// A variation block is a whitespace-bounded segment of the raw message
// containing at least one '|'. Each send picks one option per block, so the
// same campaign produces naturally varied copies of the same message.
package humanizer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Limits enforced by the parser.
const (
	MinOptionsPerBlock = 2
	MaxOptionsPerBlock = 10
	MaxBlocks          = 20
	// MaxOptionLen is measured in code points, not bytes.
	MaxOptionLen = 500
)

// IssueKind identifies a validation error or warning.
type IssueKind string

// Validation errors. A template with any error is not sendable.
const (
	ErrInsufficientVariations IssueKind = "INSUFFICIENT_VARIATIONS"
	ErrTooManyVariations      IssueKind = "TOO_MANY_VARIATIONS"
	ErrTooManyBlocks          IssueKind = "TOO_MANY_BLOCKS"
	ErrOptionTooLong          IssueKind = "OPTION_TOO_LONG"
	ErrParse                  IssueKind = "PARSE_ERROR"
)

// Validation warnings. Soft issues; the template stays sendable.
const (
	WarnEmptyVariations     IssueKind = "EMPTY_VARIATIONS"
	WarnDuplicateVariations IssueKind = "DUPLICATE_VARIATIONS"
	WarnNoStaticText        IssueKind = "NO_STATIC_TEXT"
	WarnNoVariations        IssueKind = "NO_VARIATIONS"
)

// Issue is one validation finding. BlockIndex is -1 for template-level issues.
type Issue struct {
	Kind       IssueKind `json:"kind"`
	Message    string    `json:"message"`
	BlockIndex int       `json:"block_index"`
}

// Block is one parsed variation block. Offsets are byte positions of the
// segment within the raw string, so selected options can be substituted
// without disturbing the surrounding text.
type Block struct {
	Index       int      `json:"index"`
	StartOffset int      `json:"start_offset"`
	EndOffset   int      `json:"end_offset"`
	Options     []string `json:"options"`
}

// Template is the parsed structure of a raw message. Templates returned by
// Parse are immutable; the processor caches and shares them across sends.
type Template struct {
	Raw               string   `json:"raw"`
	Blocks            []Block  `json:"blocks"`
	VariableNames     []string `json:"variable_names"`
	IsValid           bool     `json:"is_valid"`
	Errors            []Issue  `json:"errors,omitempty"`
	Warnings          []Issue  `json:"warnings,omitempty"`
	TotalCombinations int64    `json:"total_combinations"`
}

// OptionCounts returns the option count of each block, in block order.
func (t *Template) OptionCounts() []int {
	counts := make([]int, len(t.Blocks))
	for i, b := range t.Blocks {
		counts[i] = len(b.Options)
	}
	return counts
}

var variableRegex = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Parse tokenizes a raw message into variation blocks and static text.
// It never fails: invalid input yields a Template with IsValid=false and
// the violations listed in Errors. Parsing is deterministic: equal input
// produces a structurally equal Template.
func Parse(raw string) *Template {
	t := &Template{Raw: raw, TotalCombinations: 1}

	hasStaticText := false
	candidates := 0

	for _, seg := range splitSegments(raw) {
		text := raw[seg.start:seg.end]
		if !strings.Contains(text, "|") {
			hasStaticText = true
			continue
		}
		candidates++
		t.parseBlock(text, seg.start, seg.end)
	}

	if len(t.Blocks) > MaxBlocks {
		t.addError(ErrTooManyBlocks, -1,
			fmt.Sprintf("template has %d variation blocks, maximum is %d", len(t.Blocks), MaxBlocks))
	}

	if candidates == 0 {
		t.addWarning(WarnNoVariations, -1, "template has no variation blocks")
	} else if !hasStaticText {
		t.addWarning(WarnNoStaticText, -1, "template has no static text outside variation blocks")
	}

	t.VariableNames = extractVariables(raw)

	for _, b := range t.Blocks {
		t.TotalCombinations *= int64(len(b.Options))
	}

	t.IsValid = len(t.Errors) == 0
	return t
}

// parseBlock validates one candidate segment and appends it to t.Blocks
// when the option count is within range.
func (t *Template) parseBlock(text string, start, end int) {
	idx := len(t.Blocks)

	parts := strings.Split(text, "|")
	options := make([]string, 0, len(parts))
	dropped := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			dropped++
			continue
		}
		options = append(options, p)
	}

	if dropped > 0 {
		t.addWarning(WarnEmptyVariations, idx,
			fmt.Sprintf("block %d has %d empty option(s), dropped", idx, dropped))
	}

	if len(options) < MinOptionsPerBlock {
		t.addError(ErrInsufficientVariations, idx,
			fmt.Sprintf("block %d has %d option(s), minimum is %d", idx, len(options), MinOptionsPerBlock))
		return
	}
	if len(options) > MaxOptionsPerBlock {
		t.addError(ErrTooManyVariations, idx,
			fmt.Sprintf("block %d has %d options, maximum is %d", idx, len(options), MaxOptionsPerBlock))
		return
	}

	seen := make(map[string]bool, len(options))
	for _, opt := range options {
		if n := utf8.RuneCountInString(opt); n > MaxOptionLen {
			t.addError(ErrOptionTooLong, idx,
				fmt.Sprintf("block %d option is %d characters, maximum is %d", idx, n, MaxOptionLen))
		}
		if seen[opt] {
			t.addWarning(WarnDuplicateVariations, idx,
				fmt.Sprintf("block %d has duplicate option %q", idx, opt))
		}
		seen[opt] = true
	}

	t.Blocks = append(t.Blocks, Block{
		Index:       idx,
		StartOffset: start,
		EndOffset:   end,
		Options:     options,
	})
}

func (t *Template) addError(kind IssueKind, blockIndex int, msg string) {
	t.Errors = append(t.Errors, Issue{Kind: kind, Message: msg, BlockIndex: blockIndex})
}

func (t *Template) addWarning(kind IssueKind, blockIndex int, msg string) {
	t.Warnings = append(t.Warnings, Issue{Kind: kind, Message: msg, BlockIndex: blockIndex})
}

type segment struct{ start, end int }

// splitSegments returns the byte ranges of maximal runs of non-whitespace.
// Only ASCII whitespace delimits segments; multibyte runes pass through.
func splitSegments(raw string) []segment {
	var segs []segment
	start := -1
	for i := 0; i < len(raw); i++ {
		if isASCIISpace(raw[i]) {
			if start >= 0 {
				segs = append(segs, segment{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		segs = append(segs, segment{start, len(raw)})
	}
	return segs
}

func isASCIISpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

// extractVariables returns the distinct {{name}} placeholders in first-seen
// order.
func extractVariables(raw string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range variableRegex.FindAllStringSubmatch(raw, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
