// Package matcher maps free-text model answers onto canonical taxonomy ids.
package matcher

import (
	"strings"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// minFuzzyLen keeps short answers like "AI" from fuzzily matching unrelated short names
const minFuzzyLen = 4

// Candidate is one canonical term
type Candidate struct {
	ID      string
	Name    string
	Slug    string
	Aliases []string
}

// Result is the outcome of matching one answer
type Result struct {
	IDs       []string
	Names     []string
	Unmatched []string
}

type key struct {
	norm string
	idx  int
}

// Matcher resolves answers against a fixed candidate list
type Matcher struct {
	candidates []Candidate
	byID       map[string]int
	byName     map[string]int
	byAlias    map[string]int
	keys       []key
	dmp        *diffmatchpatch.DiffMatchPatch
}

// New indexes candidates. Earlier candidates win ties.
func New(candidates []Candidate) *Matcher {
	m := &Matcher{
		candidates: candidates,
		byID:       make(map[string]int, len(candidates)),
		byName:     make(map[string]int, len(candidates)),
		byAlias:    make(map[string]int),
		dmp:        diffmatchpatch.New(),
	}
	for i, c := range candidates {
		if _, ok := m.byID[c.ID]; !ok && c.ID != "" {
			m.byID[c.ID] = i
		}
		for _, n := range []string{normalize(c.Name), normalize(c.Slug)} {
			if n == "" {
				continue
			}
			if _, ok := m.byName[n]; !ok {
				m.byName[n] = i
			}
			m.keys = append(m.keys, key{norm: n, idx: i})
		}
		for _, a := range c.Aliases {
			n := normalize(a)
			if n == "" {
				continue
			}
			if _, ok := m.byAlias[n]; !ok {
				m.byAlias[n] = i
			}
			m.keys = append(m.keys, key{norm: n, idx: i})
		}
	}
	return m
}

// Match parses a model answer and resolves every entry. limit caps the
// number of ids returned; 0 means no cap.
func (m *Matcher) Match(answer string, limit int) Result {
	var res Result
	seen := make(map[int]bool)
	missed := make(map[string]bool)
	for _, raw := range Parse(answer) {
		idx, ok := m.resolve(raw)
		if !ok {
			if !missed[raw] {
				missed[raw] = true
				res.Unmatched = append(res.Unmatched, raw)
			}
			continue
		}
		if seen[idx] {
			continue
		}
		if limit > 0 && len(res.IDs) >= limit {
			continue
		}
		seen[idx] = true
		res.IDs = append(res.IDs, m.candidates[idx].ID)
		res.Names = append(res.Names, m.candidates[idx].Name)
	}
	return res
}

// Lookup resolves a single name
func (m *Matcher) Lookup(name string) (Candidate, bool) {
	idx, ok := m.resolve(name)
	if !ok {
		return Candidate{}, false
	}
	return m.candidates[idx], true
}

func (m *Matcher) resolve(raw string) (int, bool) {
	if idx, ok := m.resolveOne(raw); ok {
		return idx, true
	}
	// "Label: value" where the label itself is not a term
	if before, after, found := strings.Cut(raw, ":"); found {
		if idx, ok := m.resolveOne(before); ok {
			return idx, true
		}
		return m.resolveOne(after)
	}
	return 0, false
}

func (m *Matcher) resolveOne(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if idx, ok := m.byID[raw]; ok {
		return idx, true
	}
	n := normalize(raw)
	if n == "" {
		return 0, false
	}
	if idx, ok := m.byName[n]; ok {
		return idx, true
	}
	if idx, ok := m.byAlias[n]; ok {
		return idx, true
	}
	return m.fuzzy(n)
}

func (m *Matcher) fuzzy(n string) (int, bool) {
	length := len([]rune(n))
	if length < minFuzzyLen {
		return 0, false
	}
	maxDist := length / 5
	if maxDist < 1 {
		maxDist = 1
	}
	best, bestDist := -1, maxDist+1
	for _, k := range m.keys {
		if d := abs(len([]rune(k.norm)) - length); d > maxDist {
			continue
		}
		dist := m.dmp.DiffLevenshtein(m.dmp.DiffMain(n, k.norm, false))
		if dist < bestDist {
			best, bestDist = k.idx, dist
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// normalize lowercases s, spells out "&" and reduces punctuation and hyphens to single spaces
func normalize(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), "&", " and ")
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
