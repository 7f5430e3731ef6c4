package humanizer

import (
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
)

// Options controls a single Process call.
type Options struct {
	// Seed, when set, makes selection deterministic for the call.
	Seed *uint64
	// ValidateOnly stops after parsing; no selection or substitution.
	ValidateOnly bool
	// Source overrides the processor's random source for this call.
	Source random.Source
}

// ProcessedMessage is the result of humanizing one message.
type ProcessedMessage struct {
	Success          bool               `json:"success"`
	Raw              string             `json:"raw"`
	Final            string             `json:"final"`
	Selections       []domain.Selection `json:"selections,omitempty"`
	AppliedVariables map[string]string  `json:"applied_variables,omitempty"`
	MissingVariables []string           `json:"missing_variables,omitempty"`
	ExtraVariables   []string           `json:"extra_variables,omitempty"`
	Parsed           *Template          `json:"parsed,omitempty"`
	Errors           []Issue            `json:"errors,omitempty"`
	Warnings         []Issue            `json:"warnings,omitempty"`
}

// Processor composes parsing, selection, and variable substitution. It keeps
// a bounded LRU of parse results; concurrent parses of the same raw string
// are collapsed through a key-level guard so only one goroutine does the
// work. Processors are safe for concurrent use.
type Processor struct {
	cache *parseCache
	src   random.Source
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewProcessor creates a processor with the given default random source and
// cache capacity. Zero capacity means the default of 100.
func NewProcessor(src random.Source, cacheCapacity int) *Processor {
	if src == nil {
		src = random.Crypto()
	}
	return &Processor{
		cache: newParseCache(cacheCapacity),
		src:   src,
	}
}

// Parse returns the cached parse of raw, computing it on miss.
func (p *Processor) Parse(raw string) *Template {
	if t, ok := p.cache.get(raw); ok {
		p.hits.Add(1)
		return t
	}
	var ran bool
	v, _, _ := p.group.Do(raw, func() (interface{}, error) {
		ran = true
		// Re-check under the guard: a concurrent caller may have filled it.
		if t, ok := p.cache.get(raw); ok {
			p.hits.Add(1)
			return t, nil
		}
		p.misses.Add(1)
		t := Parse(raw)
		p.cache.add(raw, t)
		return t, nil
	})
	if !ran {
		// Collapsed onto a concurrent fill; the result is a cache hit from
		// this caller's point of view.
		p.hits.Add(1)
	}
	return v.(*Template)
}

// CacheStats returns cumulative parse cache hit/miss counters.
func (p *Processor) CacheStats() (hits, misses uint64) {
	return p.hits.Load(), p.misses.Load()
}

// CacheLen returns the number of cached parse results.
func (p *Processor) CacheLen() int { return p.cache.len() }

// Process humanizes one message: parse, select one option per block,
// substitute the selections, then substitute {{variables}}. Variations are
// always replaced before variables, so variables may appear inside options.
// Processing never panics; an invalid template yields Success=false.
func (p *Processor) Process(raw string, variables map[string]string, opts Options) *ProcessedMessage {
	t := p.Parse(raw)
	msg := &ProcessedMessage{
		Raw:      raw,
		Parsed:   t,
		Errors:   t.Errors,
		Warnings: t.Warnings,
	}

	if !t.IsValid || opts.ValidateOnly {
		msg.Success = t.IsValid
		return msg
	}

	src := opts.Source
	if src == nil {
		src = p.src
	}
	if opts.Seed != nil {
		src = random.Seeded(*opts.Seed)
	}

	msg.Selections = SelectOne(t.Blocks, src)
	withSelections := applySelections(t, msg.Selections)
	msg.Final, msg.AppliedVariables, msg.MissingVariables = applyVariables(withSelections, variables)
	msg.ExtraVariables = extraVariables(t.VariableNames, variables)
	msg.Success = true
	return msg
}

// Preview generates up to n processed messages, attempting distinct finals.
// n is capped at 10.
func (p *Processor) Preview(raw string, variables map[string]string, n int) []*ProcessedMessage {
	if n > 10 {
		n = 10
	}
	if n <= 0 {
		n = 1
	}

	var out []*ProcessedMessage
	seen := make(map[string]bool)
	for attempt := 0; attempt < n*4 && len(out) < n; attempt++ {
		msg := p.Process(raw, variables, Options{})
		if !msg.Success {
			return []*ProcessedMessage{msg}
		}
		if seen[msg.Final] {
			continue
		}
		seen[msg.Final] = true
		out = append(out, msg)
	}
	return out
}

// applySelections replaces each block with its selected option, preserving
// all surrounding text and whitespace byte-for-byte.
func applySelections(t *Template, sels []domain.Selection) string {
	if len(t.Blocks) == 0 {
		return t.Raw
	}
	var sb strings.Builder
	last := 0
	for i, b := range t.Blocks {
		sb.WriteString(t.Raw[last:b.StartOffset])
		if i < len(sels) {
			sb.WriteString(sels[i].OptionText)
		}
		last = b.EndOffset
	}
	sb.WriteString(t.Raw[last:])
	return sb.String()
}

// applyVariables substitutes {{name}} placeholders from variables.
// Placeholders with no matching key are left verbatim and reported missing.
func applyVariables(s string, variables map[string]string) (final string, applied map[string]string, missing []string) {
	applied = make(map[string]string)
	seenMissing := make(map[string]bool)

	final = variableRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := variableRegex.FindStringSubmatch(match)[1]
		if val, ok := variables[name]; ok {
			applied[name] = val
			return val
		}
		if !seenMissing[name] {
			seenMissing[name] = true
			missing = append(missing, name)
		}
		return match
	})
	return final, applied, missing
}

// extraVariables returns provided variable names the template never uses.
func extraVariables(templateVars []string, variables map[string]string) []string {
	used := make(map[string]bool, len(templateVars))
	for _, v := range templateVars {
		used[v] = true
	}
	var extra []string
	for name := range variables {
		if !used[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return extra
}
