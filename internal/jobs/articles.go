package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/prompt"
	"github.com/cexll/aidir/internal/search"
)

const (
	maxTopicTools = 10
	topicItemID   = "topic"
)

// articlesJob drafts one article for a topic, or one per tool when no topic is given
type articlesJob struct {
	deps  Deps
	opts  Options
	slugs map[string]bool
}

func (j *articlesJob) WorkingSet(ctx context.Context, opts Options) ([]Item, error) {
	if j.deps.LLM == nil {
		return nil, NonRetryable(errNoModel)
	}
	j.opts = opts

	articles, err := j.deps.Catalog.Articles(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("load articles: %w", err)
	}
	j.slugs = make(map[string]bool, len(articles))
	covered := make(map[string]bool)
	for _, a := range articles {
		j.slugs[a.Slug] = true
		for _, id := range a.ToolIDs {
			covered[id] = true
		}
	}

	if opts.Topic != "" {
		var tools []catalog.Tool
		if len(opts.IDs) > 0 {
			items, err := selectTools(ctx, j.deps.Catalog, opts, nil)
			if err != nil {
				return nil, err
			}
			for _, it := range items {
				tools = append(tools, it.Tool)
			}
		} else {
			tools, err = j.deps.Catalog.ListTools(ctx, catalog.ToolFilter{PublishedOnly: true})
			if err != nil {
				return nil, err
			}
			tools = relatedTools(j.deps.Search, opts.Topic, tools)
		}
		if len(tools) > maxTopicTools {
			tools = tools[:maxTopicTools]
		}
		return []Item{{ID: topicItemID, Name: opts.Topic, Topic: opts.Topic, Tools: tools}}, nil
	}

	items, err := selectTools(ctx, j.deps.Catalog, opts, func(t catalog.Tool) bool {
		return t.Published && !covered[t.ID]
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Topic = "A practical guide to " + items[i].Tool.Name
		items[i].Tools = []catalog.Tool{items[i].Tool}
	}
	return items, nil
}

// relatedTools orders tools by how well the index matches them to topic.
// Tools the index does not return are dropped; with no usable hits the
// list is returned as is.
func relatedTools(s ToolSearcher, topic string, tools []catalog.Tool) []catalog.Tool {
	if s == nil {
		return tools
	}
	hits, err := s.Search(topic, maxTopicTools*2)
	if err != nil {
		return tools
	}
	byID := make(map[string]catalog.Tool, len(tools))
	for _, t := range tools {
		byID[t.ID] = t
	}
	var out []catalog.Tool
	for _, h := range search.FilterType(hits, "tool") {
		if t, ok := byID[h.ID]; ok {
			out = append(out, t)
			delete(byID, h.ID)
		}
	}
	if len(out) == 0 {
		return tools
	}
	return out
}

func (j *articlesJob) Process(ctx context.Context, item Item) (Outcome, error) {
	data := prompt.Data{Topic: item.Topic}
	for _, t := range item.Tools {
		data.Tools = append(data.Tools, toolData(t))
	}
	if len(item.Tools) == 1 {
		data.Tool = toolData(item.Tools[0])
	}
	answer, err := complete(ctx, j.deps, prompt.KindArticle, data)
	if err != nil {
		return Outcome{}, err
	}

	title, body := splitTitle(answer)
	if title == "" {
		title = item.Topic
	}
	if strings.TrimSpace(body) == "" {
		return Outcome{Status: StatusFailed, Message: "model returned an empty article"}, nil
	}
	slug := j.uniqueSlug(catalog.Slugify(title))
	if j.opts.DryRun {
		return Outcome{Status: StatusSkipped, Message: fmt.Sprintf("would draft %q (/blog/%s)", title, slug)}, nil
	}

	ids := make([]string, len(item.Tools))
	for i, t := range item.Tools {
		ids[i] = t.ID
	}
	created, err := j.deps.Catalog.CreateArticle(ctx, catalog.Article{
		Title:   title,
		Slug:    slug,
		Summary: summarize(body),
		Body:    body,
		ToolIDs: ids,
		Status:  catalog.ArticleDraft,
		Author:  "AI",
	})
	if err != nil {
		return Outcome{}, err
	}
	j.slugs[created.Slug] = true
	return Outcome{Status: StatusUpdated, Message: fmt.Sprintf("drafted %q (/blog/%s)", created.Title, created.Slug)}, nil
}

func (j *articlesJob) uniqueSlug(base string) string {
	if base == "" {
		base = "article"
	}
	slug := base
	for n := 2; j.slugs[slug]; n++ {
		slug = base + "-" + strconv.Itoa(n)
	}
	j.slugs[slug] = true
	return slug
}

// splitTitle takes a leading "# " heading as the title
func splitTitle(md string) (title, body string) {
	md = strings.TrimSpace(md)
	first, rest, _ := strings.Cut(md, "\n")
	if t, ok := strings.CutPrefix(strings.TrimSpace(first), "# "); ok {
		return strings.TrimSpace(t), strings.TrimSpace(rest)
	}
	return "", md
}

// summarize returns the first prose paragraph, shortened
func summarize(body string) string {
	for _, para := range strings.Split(body, "\n\n") {
		p := strings.TrimSpace(para)
		if p == "" || strings.HasPrefix(p, "#") || strings.HasPrefix(p, "-") || strings.HasPrefix(p, "```") {
			continue
		}
		return abbreviate(p, 240)
	}
	return ""
}
