// Package jobs runs the bulk content jobs that tag, describe and write about catalog tools.
package jobs

import (
	"fmt"
	"strings"
)

// Kind names a bulk job
type Kind string

const (
	KindCategories   Kind = "categories"
	KindTags         Kind = "tags"
	KindUseCases     Kind = "use-cases"
	KindCautions     Kind = "cautions"
	KindDescriptions Kind = "descriptions"
	KindArticles     Kind = "articles"
	KindGitHubStats  Kind = "github-stats"
)

var kindInfo = []struct {
	kind Kind
	desc string
}{
	{KindCategories, "Assign categories to tools with the language model"},
	{KindTags, "Assign feature tags to tools with the language model"},
	{KindUseCases, "Assign use cases to tools with the language model"},
	{KindCautions, "Write caution lists for tools"},
	{KindDescriptions, "Write short directory descriptions for tools"},
	{KindArticles, "Draft blog articles about a topic or about each tool"},
	{KindGitHubStats, "Refresh GitHub star counts"},
}

// Kinds lists every job kind in menu order
func Kinds() []Kind {
	out := make([]Kind, len(kindInfo))
	for i, k := range kindInfo {
		out[i] = k.kind
	}
	return out
}

// ParseKind accepts a kind name; "use_cases", "usecases" and "github" are accepted as aliases
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "use_cases", "usecases":
		s = string(KindUseCases)
	case "github", "stars":
		s = string(KindGitHubStats)
	case "description":
		s = string(KindDescriptions)
	}
	for _, k := range kindInfo {
		if string(k.kind) == s {
			return k.kind, true
		}
	}
	return "", false
}

// Describe returns a one-line description of kind
func (k Kind) Describe() string {
	for _, info := range kindInfo {
		if info.kind == k {
			return info.desc
		}
	}
	return ""
}

// Scope selects which tools enter the working set
type Scope string

const (
	// ScopeMissing processes only tools whose target field is empty
	ScopeMissing Scope = "missing"
	// ScopeAll reprocesses every tool
	ScopeAll Scope = "all"
)

// Options parameterise one run
type Options struct {
	Scope Scope `json:"scope,omitempty"`
	// Limit caps the working set; 0 means no cap
	Limit int `json:"limit,omitempty"`
	// IDs restricts the run to these tool ids or slugs and ignores Scope
	IDs    []string `json:"ids,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	DryRun bool     `json:"dry_run,omitempty"`
}

// Normalize fills defaults and trims ids
func (o Options) Normalize() Options {
	if o.Scope == "" {
		o.Scope = ScopeMissing
	}
	o.Scope = Scope(strings.ToLower(string(o.Scope)))
	var ids []string
	for _, id := range o.IDs {
		for _, part := range strings.Split(id, ",") {
			if p := strings.TrimSpace(part); p != "" {
				ids = append(ids, p)
			}
		}
	}
	o.IDs = ids
	o.Topic = strings.TrimSpace(o.Topic)
	return o
}

// Validate checks normalized options
func (o Options) Validate() error {
	if o.Scope != ScopeMissing && o.Scope != ScopeAll {
		return fmt.Errorf("scope must be %q or %q, got %q", ScopeMissing, ScopeAll, o.Scope)
	}
	if o.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}
