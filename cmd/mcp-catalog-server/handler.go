package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/search"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

// Catalog is the read side of the directory the tools expose
type Catalog interface {
	ToolBySlug(ctx context.Context, slug string) (*catalog.Tool, error)
	ToolsBySlugs(ctx context.Context, slugs []string) ([]catalog.Tool, error)
	LoadTaxonomy(ctx context.Context) (*catalog.Taxonomy, error)
}

// Searcher queries the full-text index
type Searcher interface {
	Search(text string, limit int) ([]search.Hit, error)
}

type SearchToolsParams struct {
	Query string `json:"query" jsonschema:"Words to look for in tool names, descriptions and taxonomy"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of results, 10 when omitted"`
}

type GetToolParams struct {
	Slug string `json:"slug" jsonschema:"The tool's slug, as in /tools/{slug}"`
}

type CompareToolsParams struct {
	Slugs []string `json:"slugs" jsonschema:"Two to four tool slugs"`
}

type searchResult struct {
	Slug    string  `json:"slug"`
	Name    string  `json:"name"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score"`
}

type toolResult struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Website     string   `json:"website,omitempty"`
	GitHub      string   `json:"github,omitempty"`
	Pricing     string   `json:"pricing,omitempty"`
	Stars       int      `json:"stars,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	UseCases    []string `json:"use_cases,omitempty"`
	Cautions    []string `json:"cautions,omitempty"`
}

type compareResult struct {
	Tools []string           `json:"tools"`
	Rows  []compareResultRow `json:"rows"`
}

type compareResultRow struct {
	Label   string   `json:"label"`
	Values  []string `json:"values"`
	Differs bool     `json:"differs"`
}

var markStripper = strings.NewReplacer("<mark>", "", "</mark>", "")

// catalogTools answers tool calls from the public part of the catalog
type catalogTools struct {
	catalog Catalog
	index   Searcher
	logger  *zap.Logger
}

func newServer(tools *catalogTools) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "aidir-catalog",
		Version: "v1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_tools",
		Description: "Full-text search over the published AI tools in the directory",
	}, tools.HandleSearchTools)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_tool",
		Description: "Get one published tool with its categories, tags, use cases and cautions",
	}, tools.HandleGetTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "compare_tools",
		Description: "Compare two to four published tools side by side",
	}, tools.HandleCompareTools)
	return server
}

func (c *catalogTools) HandleSearchTools(ctx context.Context, req *mcp.CallToolRequest, params SearchToolsParams) (*mcp.CallToolResult, any, error) {
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return nil, nil, fmt.Errorf("query parameter is required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	hits, err := c.index.Search(query, limit)
	if err != nil {
		c.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		return errorResult(err), nil, nil
	}
	out := make([]searchResult, 0, len(hits))
	for _, h := range search.FilterType(hits, "tool") {
		out = append(out, searchResult{
			Slug:    h.Slug,
			Name:    h.Title,
			Snippet: markStripper.Replace(h.Snippet),
			Score:   h.Score,
		})
	}
	c.logger.Info("search_tools", zap.String("query", query), zap.Int("results", len(out)))
	return jsonResult(map[string]any{"query": query, "results": out})
}

func (c *catalogTools) HandleGetTool(ctx context.Context, req *mcp.CallToolRequest, params GetToolParams) (*mcp.CallToolResult, any, error) {
	slug := strings.TrimSpace(params.Slug)
	if slug == "" {
		return nil, nil, fmt.Errorf("slug parameter is required")
	}
	tool, err := c.catalog.ToolBySlug(ctx, slug)
	if err == nil && !tool.Published {
		err = fmt.Errorf("tool %q: %w", slug, catalog.ErrNotFound)
	}
	if err != nil {
		return c.lookupError(err), nil, nil
	}
	tax, err := c.catalog.LoadTaxonomy(ctx)
	if err != nil {
		c.logger.Warn("failed to load taxonomy", zap.Error(err))
		return errorResult(err), nil, nil
	}
	return jsonResult(newToolResult(*tool, tax))
}

func (c *catalogTools) HandleCompareTools(ctx context.Context, req *mcp.CallToolRequest, params CompareToolsParams) (*mcp.CallToolResult, any, error) {
	var slugs []string
	seen := make(map[string]bool)
	for _, s := range params.Slugs {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		slugs = append(slugs, s)
	}
	if len(slugs) < catalog.MinCompare || len(slugs) > catalog.MaxCompare {
		return nil, nil, fmt.Errorf("slugs must name between %d and %d different tools", catalog.MinCompare, catalog.MaxCompare)
	}

	tools, err := c.catalog.ToolsBySlugs(ctx, slugs)
	if err != nil {
		return c.lookupError(err), nil, nil
	}
	for _, t := range tools {
		if !t.Published {
			return c.lookupError(fmt.Errorf("tool %q: %w", t.Slug, catalog.ErrNotFound)), nil, nil
		}
	}
	tax, err := c.catalog.LoadTaxonomy(ctx)
	if err != nil {
		return errorResult(err), nil, nil
	}
	cmp, err := catalog.Compare(tools, tax)
	if err != nil {
		return errorResult(err), nil, nil
	}

	res := compareResult{}
	for _, t := range cmp.Tools {
		res.Tools = append(res.Tools, t.Name)
	}
	for _, row := range cmp.Rows {
		res.Rows = append(res.Rows, compareResultRow{Label: row.Label, Values: row.Values, Differs: row.Differs})
	}
	return jsonResult(res)
}

func (c *catalogTools) lookupError(err error) *mcp.CallToolResult {
	if !errors.Is(err, catalog.ErrNotFound) {
		c.logger.Warn("catalog lookup failed", zap.Error(err))
	}
	return errorResult(err)
}

func newToolResult(t catalog.Tool, tax *catalog.Taxonomy) toolResult {
	return toolResult{
		Slug:        t.Slug,
		Name:        t.Name,
		Description: t.Description,
		Website:     t.Website,
		GitHub:      t.GitHubURL,
		Pricing:     t.Pricing,
		Stars:       t.Stars,
		Categories:  tax.NamesOf(catalog.KindCategory, t.CategoryIDs),
		Tags:        tax.NamesOf(catalog.KindTag, t.TagIDs),
		UseCases:    tax.NamesOf(catalog.KindUseCase, t.UseCaseIDs),
		Cautions:    t.Cautions,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}, nil, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)}},
		IsError: true,
	}
}
