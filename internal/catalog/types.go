package catalog

import (
	"strings"
	"time"

	"github.com/cexll/aidir/internal/table"
)

// Field names used in the table service
const (
	fieldName        = "Name"
	fieldSlug        = "Slug"
	fieldDescription = "Description"
	fieldAliases     = "Aliases"
	fieldWebsite     = "Website"
	fieldGitHub      = "GitHub"
	fieldPricing     = "Pricing"
	fieldCategories  = "Categories"
	fieldTags        = "Tags"
	fieldUseCases    = "Use Cases"
	fieldCautions    = "Cautions"
	fieldStars       = "Stars"
	fieldPublished   = "Published"
	fieldFeatured    = "Featured"
	fieldEnrichedAt  = "Enriched At"

	fieldTitle       = "Title"
	fieldSummary     = "Summary"
	fieldBody        = "Body"
	fieldTools       = "Tools"
	fieldStatus      = "Status"
	fieldPublishedAt = "Published At"
	fieldAuthor      = "Author"
)

// Tool is one entry of the directory
type Tool struct {
	ID          string
	Name        string
	Slug        string
	Description string
	Website     string
	GitHubURL   string
	Pricing     string
	CategoryIDs []string
	TagIDs      []string
	UseCaseIDs  []string
	Cautions    []string
	Stars       int
	Published   bool
	Featured    bool
	EnrichedAt  string
}

// Term is a canonical taxonomy entry: a category, a tag or a use case
type Term struct {
	ID          string
	Name        string
	Slug        string
	Description string
	Aliases     []string
}

// ArticleStatus is the editorial state of a blog article
type ArticleStatus string

const (
	ArticleDraft     ArticleStatus = "draft"
	ArticlePublished ArticleStatus = "published"
)

// Article is a blog post
type Article struct {
	ID          string
	Title       string
	Slug        string
	Summary     string
	Body        string // Markdown
	ToolIDs     []string
	Status      ArticleStatus
	PublishedAt time.Time
	Author      string
}

// ToolPatch names the tool fields a job writes back; nil fields are left untouched
type ToolPatch struct {
	Description *string
	CategoryIDs []string
	TagIDs      []string
	UseCaseIDs  []string
	Cautions    []string
	Stars       *int
	EnrichedAt  *time.Time

	setCategories bool
	setTags       bool
	setUseCases   bool
	setCautions   bool
}

// WithCategories sets the linked categories
func (p ToolPatch) WithCategories(ids []string) ToolPatch {
	p.CategoryIDs, p.setCategories = ids, true
	return p
}

// WithTags sets the linked tags
func (p ToolPatch) WithTags(ids []string) ToolPatch {
	p.TagIDs, p.setTags = ids, true
	return p
}

// WithUseCases sets the linked use cases
func (p ToolPatch) WithUseCases(ids []string) ToolPatch {
	p.UseCaseIDs, p.setUseCases = ids, true
	return p
}

// WithCautions sets the caution list
func (p ToolPatch) WithCautions(items []string) ToolPatch {
	p.Cautions, p.setCautions = items, true
	return p
}

// Empty reports whether the patch changes nothing
func (p ToolPatch) Empty() bool {
	return len(p.fields()) == 0
}

func (p ToolPatch) fields() table.Fields {
	f := table.Fields{}
	if p.Description != nil {
		f[fieldDescription] = *p.Description
	}
	if p.setCategories {
		f[fieldCategories] = nonNil(p.CategoryIDs)
	}
	if p.setTags {
		f[fieldTags] = nonNil(p.TagIDs)
	}
	if p.setUseCases {
		f[fieldUseCases] = nonNil(p.UseCaseIDs)
	}
	if p.setCautions {
		f[fieldCautions] = strings.Join(p.Cautions, "\n")
	}
	if p.Stars != nil {
		f[fieldStars] = *p.Stars
	}
	if p.EnrichedAt != nil {
		f[fieldEnrichedAt] = p.EnrichedAt.UTC().Format(time.RFC3339)
	}
	return f
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func toolFromRecord(r table.Record) Tool {
	f := r.Fields
	return Tool{
		ID:          r.ID,
		Name:        strings.TrimSpace(f.String(fieldName)),
		Slug:        slugOr(f.String(fieldSlug), f.String(fieldName)),
		Description: strings.TrimSpace(f.String(fieldDescription)),
		Website:     strings.TrimSpace(f.String(fieldWebsite)),
		GitHubURL:   strings.TrimSpace(f.String(fieldGitHub)),
		Pricing:     strings.TrimSpace(f.String(fieldPricing)),
		CategoryIDs: f.Strings(fieldCategories),
		TagIDs:      f.Strings(fieldTags),
		UseCaseIDs:  f.Strings(fieldUseCases),
		Cautions:    splitLines(f.String(fieldCautions)),
		Stars:       f.Int(fieldStars),
		Published:   f.Bool(fieldPublished),
		Featured:    f.Bool(fieldFeatured),
		EnrichedAt:  f.String(fieldEnrichedAt),
	}
}

func termFromRecord(r table.Record) Term {
	f := r.Fields
	return Term{
		ID:          r.ID,
		Name:        strings.TrimSpace(f.String(fieldName)),
		Slug:        slugOr(f.String(fieldSlug), f.String(fieldName)),
		Description: strings.TrimSpace(f.String(fieldDescription)),
		Aliases:     splitAliases(f.String(fieldAliases)),
	}
}

func articleFromRecord(r table.Record) Article {
	f := r.Fields
	a := Article{
		ID:      r.ID,
		Title:   strings.TrimSpace(f.String(fieldTitle)),
		Slug:    slugOr(f.String(fieldSlug), f.String(fieldTitle)),
		Summary: strings.TrimSpace(f.String(fieldSummary)),
		Body:    f.String(fieldBody),
		ToolIDs: f.Strings(fieldTools),
		Status:  ArticleStatus(strings.ToLower(strings.TrimSpace(f.String(fieldStatus)))),
		Author:  f.String(fieldAuthor),
	}
	if a.Status == "" {
		a.Status = ArticleDraft
	}
	if raw := f.String(fieldPublishedAt); raw != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, raw); err == nil {
				a.PublishedAt = t
				break
			}
		}
	}
	return a
}

func (a Article) fields() table.Fields {
	f := table.Fields{
		fieldTitle:   a.Title,
		fieldSlug:    a.Slug,
		fieldSummary: a.Summary,
		fieldBody:    a.Body,
		fieldTools:   nonNil(a.ToolIDs),
		fieldStatus:  string(a.Status),
	}
	if a.Author != "" {
		f[fieldAuthor] = a.Author
	}
	if !a.PublishedAt.IsZero() {
		f[fieldPublishedAt] = a.PublishedAt.UTC().Format(time.RFC3339)
	}
	return f
}

func slugOr(slug, name string) string {
	if s := strings.TrimSpace(slug); s != "" {
		return s
	}
	return Slugify(name)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitAliases(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
