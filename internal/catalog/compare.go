package catalog

import (
	"errors"
	"strconv"
	"strings"
)

const (
	MinCompare = 2
	MaxCompare = 4
)

// ErrCompareCount is returned when fewer than MinCompare or more than MaxCompare tools are given
var ErrCompareCount = errors.New("catalog: compare needs between 2 and 4 tools")

// Comparison is a side-by-side matrix; Rows[i].Values[j] belongs to Tools[j]
type Comparison struct {
	Tools []Tool
	Rows  []ComparisonRow
}

type ComparisonRow struct {
	Label  string
	Values []string
	// Differs is true when not every tool has the same value
	Differs bool
}

// Compare builds the feature matrix for tools. tax may be nil, in which case
// linked terms are shown by count.
func Compare(tools []Tool, tax *Taxonomy) (*Comparison, error) {
	if len(tools) < MinCompare || len(tools) > MaxCompare {
		return nil, ErrCompareCount
	}
	linked := func(kind TermKind, ids []string) string {
		if len(ids) == 0 {
			return "-"
		}
		if tax == nil {
			return strconv.Itoa(len(ids))
		}
		names := tax.NamesOf(kind, ids)
		if len(names) == 0 {
			return "-"
		}
		return strings.Join(names, ", ")
	}
	rowDefs := []struct {
		label string
		value func(Tool) string
	}{
		{"Pricing", func(t Tool) string { return orDash(t.Pricing) }},
		{"Categories", func(t Tool) string { return linked(KindCategory, t.CategoryIDs) }},
		{"Use cases", func(t Tool) string { return linked(KindUseCase, t.UseCaseIDs) }},
		{"Tags", func(t Tool) string { return linked(KindTag, t.TagIDs) }},
		{"GitHub stars", func(t Tool) string {
			if t.GitHubURL == "" {
				return "-"
			}
			return strconv.Itoa(t.Stars)
		}},
		{"Open source", func(t Tool) string {
			if t.GitHubURL != "" {
				return "Yes"
			}
			return "No"
		}},
		{"Cautions", func(t Tool) string {
			if len(t.Cautions) == 0 {
				return "-"
			}
			return strings.Join(t.Cautions, "; ")
		}},
		{"Website", func(t Tool) string { return orDash(t.Website) }},
	}

	cmp := &Comparison{Tools: tools}
	for _, def := range rowDefs {
		row := ComparisonRow{Label: def.label, Values: make([]string, len(tools))}
		for i, t := range tools {
			row.Values[i] = def.value(t)
			if i > 0 && row.Values[i] != row.Values[0] {
				row.Differs = true
			}
		}
		cmp.Rows = append(cmp.Rows, row)
	}
	return cmp, nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
