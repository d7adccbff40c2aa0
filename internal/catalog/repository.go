// Package catalog maps the directory's tables onto typed tools, taxonomy terms and articles.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cexll/aidir/internal/table"
)

// ErrNotFound is returned when a slug or id matches nothing
var ErrNotFound = errors.New("catalog: not found")

// Tables is the subset of the table service the catalog needs
type Tables interface {
	List(ctx context.Context, tableName string, opts table.ListOptions) ([]table.Record, error)
	Get(ctx context.Context, tableName, id string) (*table.Record, error)
	Create(ctx context.Context, tableName string, fields []table.Fields) ([]table.Record, error)
	Update(ctx context.Context, tableName string, records []table.Record) ([]table.Record, error)
	Delete(ctx context.Context, tableName string, ids []string) ([]string, error)
}

// Names holds the table names of each entity
type Names struct {
	Tools      string
	Categories string
	Tags       string
	UseCases   string
	Articles   string
}

// DefaultNames is the stock base layout
var DefaultNames = Names{
	Tools:      "Tools",
	Categories: "Categories",
	Tags:       "Tags",
	UseCases:   "Use Cases",
	Articles:   "Articles",
}

// Repository reads and writes the directory through a Tables backend
type Repository struct {
	tables Tables
	names  Names
}

// NewRepository creates a repository; empty names fall back to DefaultNames
func NewRepository(tables Tables, names Names) *Repository {
	if names.Tools == "" {
		names.Tools = DefaultNames.Tools
	}
	if names.Categories == "" {
		names.Categories = DefaultNames.Categories
	}
	if names.Tags == "" {
		names.Tags = DefaultNames.Tags
	}
	if names.UseCases == "" {
		names.UseCases = DefaultNames.UseCases
	}
	if names.Articles == "" {
		names.Articles = DefaultNames.Articles
	}
	return &Repository{tables: tables, names: names}
}

// Names returns the resolved table names
func (r *Repository) Names() Names {
	return r.names
}

// ToolFilter narrows ListTools
type ToolFilter struct {
	PublishedOnly bool
	CategoryID    string
}

// ListTools returns tools sorted by name
func (r *Repository) ListTools(ctx context.Context, filter ToolFilter) ([]Tool, error) {
	opts := table.ListOptions{Sort: []table.Sort{{Field: fieldName}}}
	if filter.PublishedOnly {
		opts.Filter = "{" + fieldPublished + "}"
	}
	recs, err := r.tables.List(ctx, r.names.Tools, opts)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make([]Tool, 0, len(recs))
	for _, rec := range recs {
		t := toolFromRecord(rec)
		if filter.PublishedOnly && !t.Published {
			continue
		}
		if filter.CategoryID != "" && !contains(t.CategoryIDs, filter.CategoryID) {
			continue
		}
		tools = append(tools, t)
	}
	sortByName(tools, func(t Tool) string { return t.Name })
	return tools, nil
}

// Tool fetches a tool by record id
func (r *Repository) Tool(ctx context.Context, id string) (*Tool, error) {
	rec, err := r.tables.Get(ctx, r.names.Tools, id)
	if err != nil {
		if errors.Is(err, table.ErrNotFound) {
			return nil, fmt.Errorf("tool %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get tool %s: %w", id, err)
	}
	t := toolFromRecord(*rec)
	return &t, nil
}

// ToolBySlug finds a published or unpublished tool by slug
func (r *Repository) ToolBySlug(ctx context.Context, slug string) (*Tool, error) {
	recs, err := r.tables.List(ctx, r.names.Tools, table.ListOptions{
		Filter:     eqFilter(fieldSlug, slug),
		MaxRecords: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("find tool %q: %w", slug, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("tool %q: %w", slug, ErrNotFound)
	}
	t := toolFromRecord(recs[0])
	return &t, nil
}

// ToolsBySlugs resolves several slugs concurrently, keeping the input order
func (r *Repository) ToolsBySlugs(ctx context.Context, slugs []string) ([]Tool, error) {
	out := make([]Tool, len(slugs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, slug := range slugs {
		g.Go(func() error {
			t, err := r.ToolBySlug(gctx, slug)
			if err != nil {
				return err
			}
			out[i] = *t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTool writes patch to the tool record
func (r *Repository) UpdateTool(ctx context.Context, id string, patch ToolPatch) error {
	fields := patch.fields()
	if len(fields) == 0 {
		return nil
	}
	if _, err := r.tables.Update(ctx, r.names.Tools, []table.Record{{ID: id, Fields: fields}}); err != nil {
		return fmt.Errorf("update tool %s: %w", id, err)
	}
	return nil
}

// Terms lists one taxonomy kind sorted by name
func (r *Repository) Terms(ctx context.Context, kind TermKind) ([]Term, error) {
	name, err := r.termTable(kind)
	if err != nil {
		return nil, err
	}
	recs, err := r.tables.List(ctx, name, table.ListOptions{Sort: []table.Sort{{Field: fieldName}}})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	terms := make([]Term, 0, len(recs))
	for _, rec := range recs {
		t := termFromRecord(rec)
		if t.Name == "" {
			continue
		}
		terms = append(terms, t)
	}
	sortByName(terms, func(t Term) string { return t.Name })
	return terms, nil
}

// TermBySlug finds a taxonomy term of the given kind
func (r *Repository) TermBySlug(ctx context.Context, kind TermKind, slug string) (*Term, error) {
	terms, err := r.Terms(ctx, kind)
	if err != nil {
		return nil, err
	}
	for _, t := range terms {
		if t.Slug == slug {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s %q: %w", kind, slug, ErrNotFound)
}

// LoadTaxonomy fetches categories, tags and use cases in parallel
func (r *Repository) LoadTaxonomy(ctx context.Context) (*Taxonomy, error) {
	var tax Taxonomy
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		tax.Categories, err = r.Terms(gctx, KindCategory)
		return err
	})
	g.Go(func() (err error) {
		tax.Tags, err = r.Terms(gctx, KindTag)
		return err
	})
	g.Go(func() (err error) {
		tax.UseCases, err = r.Terms(gctx, KindUseCase)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &tax, nil
}

// Articles lists blog articles, newest first
func (r *Repository) Articles(ctx context.Context, publishedOnly bool) ([]Article, error) {
	recs, err := r.tables.List(ctx, r.names.Articles, table.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	out := make([]Article, 0, len(recs))
	for _, rec := range recs {
		a := articleFromRecord(rec)
		if publishedOnly && a.Status != ArticlePublished {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].Title < out[j].Title
	})
	return out, nil
}

// ArticleBySlug finds an article by slug
func (r *Repository) ArticleBySlug(ctx context.Context, slug string) (*Article, error) {
	recs, err := r.tables.List(ctx, r.names.Articles, table.ListOptions{
		Filter:     eqFilter(fieldSlug, slug),
		MaxRecords: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("find article %q: %w", slug, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("article %q: %w", slug, ErrNotFound)
	}
	a := articleFromRecord(recs[0])
	return &a, nil
}

// CreateArticle stores a new article and returns it with its id
func (r *Repository) CreateArticle(ctx context.Context, a Article) (*Article, error) {
	if a.Slug == "" {
		a.Slug = Slugify(a.Title)
	}
	if a.Status == "" {
		a.Status = ArticleDraft
	}
	recs, err := r.tables.Create(ctx, r.names.Articles, []table.Fields{a.fields()})
	if err != nil {
		return nil, fmt.Errorf("create article %q: %w", a.Title, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("create article %q: empty response", a.Title)
	}
	created := articleFromRecord(recs[0])
	return &created, nil
}

func (r *Repository) termTable(kind TermKind) (string, error) {
	switch kind {
	case KindCategory:
		return r.names.Categories, nil
	case KindTag:
		return r.names.Tags, nil
	case KindUseCase:
		return r.names.UseCases, nil
	default:
		return "", fmt.Errorf("unknown term kind %q", kind)
	}
}

func eqFilter(field, value string) string {
	return "{" + field + "} = '" + strings.ReplaceAll(value, "'", `\'`) + "'"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortByName[T any](items []T, name func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(name(items[i])) < strings.ToLower(name(items[j]))
	})
}
