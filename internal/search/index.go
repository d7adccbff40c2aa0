// Package search keeps an in-memory full-text index of published tools and articles.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/catalog"
)

const (
	docTypeTool    = "tool"
	docTypeArticle = "article"

	defaultLimit = 20
	maxLimit     = 100
)

var errClosed = errors.New("search index is closed")

// Source supplies the documents to index
type Source interface {
	ListTools(ctx context.Context, filter catalog.ToolFilter) ([]catalog.Tool, error)
	LoadTaxonomy(ctx context.Context) (*catalog.Taxonomy, error)
	Articles(ctx context.Context, publishedOnly bool) ([]catalog.Article, error)
}

// Hit is one search result
type Hit struct {
	Type    string
	ID      string
	Slug    string
	Title   string
	Snippet string // HTML with <mark> around matched terms
	Score   float64
}

// Index wraps a bleve memory index that is rebuilt from the catalog as a whole
type Index struct {
	mu        sync.RWMutex
	idx       bleve.Index
	builtAt   time.Time
	source    Source
	logger    *zap.Logger
	rebuildMu sync.Mutex
}

// New creates an empty index; call Rebuild to fill it
func New(source Source, logger *zap.Logger) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{idx: idx, source: source, logger: logger}, nil
}

// Rebuild indexes every published tool and article into a fresh index and swaps it in
func (i *Index) Rebuild(ctx context.Context) error {
	i.rebuildMu.Lock()
	defer i.rebuildMu.Unlock()

	start := time.Now()
	tools, err := i.source.ListTools(ctx, catalog.ToolFilter{PublishedOnly: true})
	if err != nil {
		return fmt.Errorf("load tools: %w", err)
	}
	tax, err := i.source.LoadTaxonomy(ctx)
	if err != nil {
		return fmt.Errorf("load taxonomy: %w", err)
	}
	articles, err := i.source.Articles(ctx, true)
	if err != nil {
		return fmt.Errorf("load articles: %w", err)
	}

	next, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return fmt.Errorf("create search index: %w", err)
	}
	batch := next.NewBatch()
	for _, t := range tools {
		if err := batch.Index(docTypeTool+":"+t.ID, toolDoc(t, tax)); err != nil {
			_ = next.Close()
			return fmt.Errorf("index tool %s: %w", t.ID, err)
		}
	}
	for _, a := range articles {
		if err := batch.Index(docTypeArticle+":"+a.ID, articleDoc(a)); err != nil {
			_ = next.Close()
			return fmt.Errorf("index article %s: %w", a.ID, err)
		}
	}
	if err := next.Batch(batch); err != nil {
		_ = next.Close()
		return fmt.Errorf("write search batch: %w", err)
	}

	i.mu.Lock()
	prev := i.idx
	i.idx = next
	i.builtAt = time.Now()
	i.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	i.logger.Info("search index rebuilt",
		zap.Int("tools", len(tools)),
		zap.Int("articles", len(articles)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// RebuildAsync rebuilds in the background and logs failures
func (i *Index) RebuildAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := i.Rebuild(ctx); err != nil {
			i.logger.Warn("search index rebuild failed", zap.Error(err))
		}
	}()
}

// Stats reports the number of indexed documents and when the index was built
func (i *Index) Stats() (uint64, time.Time) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.idx == nil {
		return 0, i.builtAt
	}
	n, _ := i.idx.DocCount()
	return n, i.builtAt
}

// Search matches text against names, descriptions and taxonomy terms. Tool
// names are boosted and tolerate one typo.
func (i *Index) Search(text string, limit int) ([]Hit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	title := bleve.NewMatchQuery(text)
	title.SetField("title")
	title.SetBoost(3)
	fuzzy := bleve.NewMatchQuery(text)
	fuzzy.SetField("title")
	fuzzy.SetFuzziness(1)
	body := bleve.NewMatchQuery(text)
	body.SetField("body")
	terms := bleve.NewMatchQuery(text)
	terms.SetField("terms")
	terms.SetBoost(2)
	q := bleve.NewDisjunctionQuery(title, fuzzy, body, terms)

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"doc_type", "slug", "title"}
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Highlight.Fields = []string{"body"}

	i.mu.RLock()
	if i.idx == nil {
		i.mu.RUnlock()
		return nil, errClosed
	}
	res, err := i.idx.Search(req)
	i.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", text, err)
	}

	out := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{Score: h.Score}
		hit.Type, hit.ID, _ = strings.Cut(h.ID, ":")
		if v, ok := h.Fields["slug"].(string); ok {
			hit.Slug = v
		}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if frags := h.Fragments["body"]; len(frags) > 0 {
			hit.Snippet = strings.TrimSpace(frags[0])
		}
		out = append(out, hit)
	}
	return out, nil
}

// FilterType keeps hits of one document type
func FilterType(hits []Hit, docType string) []Hit {
	var out []Hit
	for _, h := range hits {
		if h.Type == docType {
			out = append(out, h)
		}
	}
	return out
}

// Close releases the index
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.idx == nil {
		return nil
	}
	err := i.idx.Close()
	i.idx = nil
	return err
}

func toolDoc(t catalog.Tool, tax *catalog.Taxonomy) map[string]any {
	var terms []string
	if tax != nil {
		terms = append(terms, tax.NamesOf(catalog.KindCategory, t.CategoryIDs)...)
		terms = append(terms, tax.NamesOf(catalog.KindTag, t.TagIDs)...)
		terms = append(terms, tax.NamesOf(catalog.KindUseCase, t.UseCaseIDs)...)
	}
	return map[string]any{
		"doc_type": docTypeTool,
		"slug":     t.Slug,
		"title":    t.Name,
		"body":     t.Description,
		"terms":    strings.Join(terms, " "),
	}
}

func articleDoc(a catalog.Article) map[string]any {
	body := a.Summary
	if body == "" {
		body = a.Body
	}
	return map[string]any{
		"doc_type": docTypeArticle,
		"slug":     a.Slug,
		"title":    a.Title,
		"body":     body,
	}
}

func buildMapping() mapping.IndexMapping {
	idxMapping := bleve.NewIndexMapping()
	idxMapping.DefaultAnalyzer = "standard"

	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false

	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"
	keyword.Store = true
	keyword.Index = true

	text := bleve.NewTextFieldMapping()
	text.Analyzer = "standard"
	text.Store = true
	text.Index = true
	text.IncludeTermVectors = true

	doc.AddFieldMappingsAt("doc_type", keyword)
	doc.AddFieldMappingsAt("slug", keyword)
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("body", text)
	doc.AddFieldMappingsAt("terms", text)

	idxMapping.DefaultMapping = doc
	return idxMapping
}
