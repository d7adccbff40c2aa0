// Package web serves the public directory: tool pages, categories, search,
// comparisons and the blog.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/search"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Catalog is the read side of the directory the public pages need
type Catalog interface {
	ListTools(ctx context.Context, filter catalog.ToolFilter) ([]catalog.Tool, error)
	ToolBySlug(ctx context.Context, slug string) (*catalog.Tool, error)
	ToolsBySlugs(ctx context.Context, slugs []string) ([]catalog.Tool, error)
	LoadTaxonomy(ctx context.Context) (*catalog.Taxonomy, error)
	TermBySlug(ctx context.Context, kind catalog.TermKind, slug string) (*catalog.Term, error)
	Articles(ctx context.Context, publishedOnly bool) ([]catalog.Article, error)
	ArticleBySlug(ctx context.Context, slug string) (*catalog.Article, error)
}

// Searcher queries the full-text index
type Searcher interface {
	Search(text string, limit int) ([]search.Hit, error)
	Stats() (uint64, time.Time)
}

const (
	homeToolLimit = 12
	searchLimit   = 30
)

// Handler handles public site requests
type Handler struct {
	catalog  Catalog
	search   Searcher
	markdown *Markdown
	pages    map[string]*template.Template
	logger   *zap.Logger
	siteName string
}

// NewHandler parses the embedded templates
func NewHandler(cat Catalog, idx Searcher, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pages, err := ParsePages(templatesFS, "templates/layout.html", "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Handler{
		catalog:  cat,
		search:   idx,
		markdown: NewMarkdown(),
		pages:    pages,
		logger:   logger,
		siteName: "AI Tool Directory",
	}, nil
}

// ParsePages builds one template set per page: the layout plus the page,
// so every page can define its own "content" block.
func ParsePages(fsys fs.FS, layout, pattern string) (map[string]*template.Template, error) {
	names, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	pages := make(map[string]*template.Template, len(names))
	for _, name := range names {
		if name == layout {
			continue
		}
		tmpl, err := template.New("").Funcs(Funcs).ParseFS(fsys, layout, name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[name[strings.LastIndex(name, "/")+1:]] = tmpl
	}
	return pages, nil
}

// Funcs are the helpers available to every template
var Funcs = template.FuncMap{
	"join": strings.Join,
	"date": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("Jan 2, 2006")
	},
	"plural": func(n int, one, many string) string {
		if n == 1 {
			return one
		}
		return many
	},
	"safeHTML": func(s string) template.HTML {
		// search snippets come from the index highlighter, which escapes document text
		return template.HTML(s)
	},
}

// RegisterRoutes registers the public routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handleHome).Methods("GET")
	r.HandleFunc("/tools/{slug}", h.handleTool).Methods("GET")
	r.HandleFunc("/categories/{slug}", h.handleCategory).Methods("GET")
	r.HandleFunc("/search", h.handleSearch).Methods("GET")
	r.HandleFunc("/compare", h.handleCompare).Methods("GET")
	r.HandleFunc("/blog", h.handleBlog).Methods("GET")
	r.HandleFunc("/blog/{slug}", h.handleArticle).Methods("GET")
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.notFound(w, r)
	})
}

type categoryCount struct {
	Term  catalog.Term
	Count int
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tools, err := h.catalog.ListTools(ctx, catalog.ToolFilter{PublishedOnly: true})
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	tax, err := h.catalog.LoadTaxonomy(ctx)
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	counts := make(map[string]int)
	for _, t := range tools {
		for _, id := range t.CategoryIDs {
			counts[id]++
		}
	}
	var cats []categoryCount
	for _, c := range tax.Categories {
		cats = append(cats, categoryCount{Term: c, Count: counts[c.ID]})
	}

	featured := append([]catalog.Tool(nil), tools...)
	sort.SliceStable(featured, func(i, j int) bool {
		if featured[i].Featured != featured[j].Featured {
			return featured[i].Featured
		}
		return featured[i].Stars > featured[j].Stars
	})
	if len(featured) > homeToolLimit {
		featured = featured[:homeToolLimit]
	}

	h.render(w, r, http.StatusOK, "home.html", map[string]any{
		"Title":      h.siteName,
		"Categories": cats,
		"Tools":      featured,
		"ToolCount":  len(tools),
	})
}

func (h *Handler) handleTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tool, err := h.catalog.ToolBySlug(ctx, mux.Vars(r)["slug"])
	if err != nil {
		h.catalogError(w, r, err)
		return
	}
	if !tool.Published {
		h.notFound(w, r)
		return
	}
	tax, err := h.catalog.LoadTaxonomy(ctx)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	articles, err := h.catalog.Articles(ctx, true)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	var related []catalog.Article
	for _, a := range articles {
		for _, id := range a.ToolIDs {
			if id == tool.ID {
				related = append(related, a)
				break
			}
		}
	}

	h.render(w, r, http.StatusOK, "tool.html", map[string]any{
		"Title":      tool.Name,
		"Tool":       tool,
		"Categories": tax.Resolve(catalog.KindCategory, tool.CategoryIDs),
		"Tags":       tax.Resolve(catalog.KindTag, tool.TagIDs),
		"UseCases":   tax.Resolve(catalog.KindUseCase, tool.UseCaseIDs),
		"Articles":   related,
	})
}

func (h *Handler) handleCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	term, err := h.catalog.TermBySlug(ctx, catalog.KindCategory, mux.Vars(r)["slug"])
	if err != nil {
		h.catalogError(w, r, err)
		return
	}
	tools, err := h.catalog.ListTools(ctx, catalog.ToolFilter{PublishedOnly: true, CategoryID: term.ID})
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, "category.html", map[string]any{
		"Title":    term.Name,
		"Category": term,
		"Tools":    tools,
	})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	data := map[string]any{"Title": "Search", "Query": q}
	if q != "" {
		hits, err := h.search.Search(q, searchLimit)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		data["Title"] = "Search: " + q
		data["Tools"] = search.FilterType(hits, "tool")
		data["Articles"] = search.FilterType(hits, "article")
		data["Count"] = len(hits)
	}
	h.render(w, r, http.StatusOK, "search.html", data)
}

// parseCompareSlugs splits "a,b,c", dropping blanks and duplicates
func parseCompareSlugs(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slugs := parseCompareSlugs(r.URL.Query().Get("tools"))
	if len(slugs) < catalog.MinCompare || len(slugs) > catalog.MaxCompare {
		h.render(w, r, http.StatusBadRequest, "compare.html", map[string]any{
			"Title": "Compare tools",
			"Error": fmt.Sprintf("Pick between %d and %d tools to compare.", catalog.MinCompare, catalog.MaxCompare),
		})
		return
	}
	tools, err := h.catalog.ToolsBySlugs(ctx, slugs)
	if err != nil {
		h.catalogError(w, r, err)
		return
	}
	for _, t := range tools {
		if !t.Published {
			h.notFound(w, r)
			return
		}
	}
	tax, err := h.catalog.LoadTaxonomy(ctx)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	cmp, err := catalog.Compare(tools, tax)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	h.render(w, r, http.StatusOK, "compare.html", map[string]any{
		"Title":      strings.Join(names, " vs "),
		"Comparison": cmp,
	})
}

func (h *Handler) handleBlog(w http.ResponseWriter, r *http.Request) {
	articles, err := h.catalog.Articles(r.Context(), true)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, "blog.html", map[string]any{
		"Title":    "Blog",
		"Articles": articles,
	})
}

func (h *Handler) handleArticle(w http.ResponseWriter, r *http.Request) {
	a, err := h.catalog.ArticleBySlug(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		h.catalogError(w, r, err)
		return
	}
	if a.Status != catalog.ArticlePublished {
		h.notFound(w, r)
		return
	}
	body, err := h.markdown.Render(a.Body)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, "article.html", map[string]any{
		"Title":   a.Title,
		"Article": a,
		"Body":    body,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	docs, builtAt := h.search.Stats()
	resp := map[string]any{
		"status":         "ok",
		"indexed_docs":   docs,
		"index_built_at": nil,
	}
	if !builtAt.IsZero() {
		resp["index_built_at"] = builtAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page string, data map[string]any) {
	tmpl, ok := h.pages[page]
	if !ok {
		h.serverError(w, r, fmt.Errorf("unknown page %s", page))
		return
	}
	data["SiteName"] = h.siteName
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		h.logger.Error("failed to render page",
			zap.String("page", page),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
	}
}

func (h *Handler) catalogError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, catalog.ErrNotFound) {
		h.notFound(w, r)
		return
	}
	h.serverError(w, r, err)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusNotFound, "error.html", map[string]any{
		"Title":   "Not found",
		"Message": "The page you were looking for does not exist.",
	})
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", RequestID(r.Context())),
		zap.Error(err),
	)
	if page, ok := h.pages["error.html"]; ok {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_ = page.ExecuteTemplate(w, "layout", map[string]any{
			"SiteName": h.siteName,
			"Title":    "Something went wrong",
			"Message":  "The directory is temporarily unavailable. Please try again.",
		})
		return
	}
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
