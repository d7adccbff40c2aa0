package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/llm"
	"github.com/cexll/aidir/internal/prompt"
	"github.com/cexll/aidir/internal/repostats"
	"github.com/cexll/aidir/internal/search"
)

// Catalog is the part of the catalog repository the jobs read and write
type Catalog interface {
	ListTools(ctx context.Context, filter catalog.ToolFilter) ([]catalog.Tool, error)
	Terms(ctx context.Context, kind catalog.TermKind) ([]catalog.Term, error)
	UpdateTool(ctx context.Context, id string, patch catalog.ToolPatch) error
	Articles(ctx context.Context, publishedOnly bool) ([]catalog.Article, error)
	CreateArticle(ctx context.Context, a catalog.Article) (*catalog.Article, error)
}

// RepoStats fetches repository metadata for the github-stats job
type RepoStats interface {
	FetchURL(ctx context.Context, raw string) (*repostats.Stats, error)
}

// ToolSearcher ranks catalog documents against free text
type ToolSearcher interface {
	Search(text string, limit int) ([]search.Hit, error)
}

// Deps are shared by every job definition. LLM and Repos may be nil when
// not configured; jobs that need them then fail before touching any tool.
// Without Search, topic articles take the first published tools.
type Deps struct {
	Catalog Catalog
	LLM     llm.Provider
	Prompts *prompt.Library
	Repos   RepoStats
	Search  ToolSearcher
	Now     func() time.Time
}

var (
	errNoModel = errors.New("no language model configured")
	errNoRepos = errors.New("no repository client configured")
)

// Registry builds job definitions
type Registry struct {
	deps Deps
}

// NewRegistry creates a registry; a nil prompt library uses the built-in prompts
func NewRegistry(deps Deps) *Registry {
	if deps.Prompts == nil {
		deps.Prompts = prompt.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{deps: deps}
}

// New returns a fresh definition for one run of kind
func (r *Registry) New(kind Kind) (Definition, error) {
	switch kind {
	case KindCategories:
		return newTaxonomyJob(r.deps, taxonomyCategories), nil
	case KindTags:
		return newTaxonomyJob(r.deps, taxonomyTags), nil
	case KindUseCases:
		return newTaxonomyJob(r.deps, taxonomyUseCases), nil
	case KindCautions:
		return &cautionsJob{deps: r.deps}, nil
	case KindDescriptions:
		return &descriptionsJob{deps: r.deps}, nil
	case KindArticles:
		return &articlesJob{deps: r.deps}, nil
	case KindGitHubStats:
		return &githubStatsJob{deps: r.deps}, nil
	}
	return nil, fmt.Errorf("unknown job kind %q", kind)
}

// selectTools builds the tool working set. Explicit ids (or slugs) win over
// scope and keep their order; otherwise missing reports which tools still
// need the job when scope is "missing".
func selectTools(ctx context.Context, cat Catalog, opts Options, missing func(catalog.Tool) bool) ([]Item, error) {
	tools, err := cat.ListTools(ctx, catalog.ToolFilter{})
	if err != nil {
		return nil, err
	}

	if len(opts.IDs) > 0 {
		byKey := make(map[string]catalog.Tool, len(tools)*2)
		for _, t := range tools {
			byKey[t.ID] = t
			byKey[strings.ToLower(t.Slug)] = t
		}
		var items []Item
		var unknown []string
		seen := make(map[string]bool)
		for _, id := range opts.IDs {
			t, ok := byKey[id]
			if !ok {
				t, ok = byKey[strings.ToLower(id)]
			}
			if !ok {
				unknown = append(unknown, id)
				continue
			}
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			items = append(items, toolItem(t))
		}
		if len(unknown) > 0 {
			return nil, NonRetryable(fmt.Errorf("unknown tools: %s", strings.Join(unknown, ", ")))
		}
		return items, nil
	}

	var items []Item
	for _, t := range tools {
		if opts.Scope == ScopeMissing && missing != nil && !missing(t) {
			continue
		}
		items = append(items, toolItem(t))
	}
	return items, nil
}

func toolItem(t catalog.Tool) Item {
	return Item{ID: t.ID, Name: t.Name, Tool: t}
}

func toolData(t catalog.Tool) prompt.ToolData {
	return prompt.ToolData{
		Name:        t.Name,
		Website:     t.Website,
		Description: t.Description,
		GitHub:      t.GitHubURL,
		Pricing:     t.Pricing,
	}
}

// complete renders kind and sends it to the model
func complete(ctx context.Context, deps Deps, kind prompt.Kind, data prompt.Data) (string, error) {
	p, err := deps.Prompts.Render(kind, data)
	if err != nil {
		return "", NonRetryable(err)
	}
	resp, err := deps.LLM.Complete(ctx, &llm.Request{
		SystemPrompt: p.System,
		UserPrompt:   p.User,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
