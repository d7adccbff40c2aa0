package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/llm"
	"github.com/cexll/aidir/internal/repostats"
	"github.com/cexll/aidir/internal/search"
	"github.com/cexll/aidir/internal/table"
	"github.com/cexll/aidir/internal/table/tabletest"
)

// scriptedLLM answers by looking up the tool or topic named in the user prompt
type scriptedLLM struct {
	mu      sync.Mutex
	answers map[string]string
	calls   []*llm.Request
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	for key, answer := range s.answers {
		if strings.Contains(req.UserPrompt, key) {
			return &llm.Response{Content: answer}, nil
		}
	}
	return nil, errors.New("no scripted answer")
}

type fakeRepos map[string]*repostats.Stats

func (f fakeRepos) FetchURL(ctx context.Context, raw string) (*repostats.Stats, error) {
	if s, ok := f[raw]; ok {
		return s, nil
	}
	return nil, repostats.ErrNotFound
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedCatalog(t *testing.T) *tabletest.Fake {
	t.Helper()
	fake := tabletest.New()
	fake.Seed("Categories",
		table.Record{ID: "cat1", Fields: table.Fields{"Name": "Writing", "Aliases": "copywriting"}},
		table.Record{ID: "cat2", Fields: table.Fields{"Name": "Coding"}},
	)
	fake.Seed("Tools",
		table.Record{ID: "t1", Fields: table.Fields{
			"Name": "Zed Writer", "Published": true, "Categories": []string{"cat1"},
			"Description": "Writes things.", "Cautions": "Paid only",
		}},
		table.Record{ID: "t2", Fields: table.Fields{
			"Name": "Acme Code", "Slug": "acme", "Published": true,
			"GitHub": "https://github.com/acme/code", "Stars": 120,
		}},
		table.Record{ID: "t3", Fields: table.Fields{"Name": "Draft Tool", "GitHub": "https://github.com/x/gone"}},
	)
	return fake
}

func runKind(t *testing.T, fake *tabletest.Fake, deps Deps, kind Kind, opts Options) (Summary, *recordSink, error) {
	t.Helper()
	deps.Catalog = catalog.NewRepository(fake, catalog.Names{})
	deps.Now = func() time.Time { return fixedNow }
	def, err := NewRegistry(deps).New(kind)
	require.NoError(t, err)
	sink := &recordSink{}
	sum, err := NewRunner(nil, time.Second).Run(context.Background(), def, opts.Normalize(), sink)
	return sum, sink, err
}

func toolFields(t *testing.T, fake *tabletest.Fake, id string) table.Fields {
	t.Helper()
	for _, r := range fake.Records("Tools") {
		if r.ID == id {
			return r.Fields
		}
	}
	t.Fatalf("tool %s not found", id)
	return nil
}

func TestCategoriesJob(t *testing.T) {
	fake := seedCatalog(t)
	model := &scriptedLLM{answers: map[string]string{
		"Tool: Acme Code":  `["Coding", "Robotics"]`,
		"Tool: Draft Tool": "- copywriting",
	}}

	sum, sink, err := runKind(t, fake, Deps{LLM: model}, KindCategories, Options{})
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 2, Updated: 2}, sum)
	assert.Equal(t, []string{"cat2"}, toolFields(t, fake, "t2")["Categories"])
	assert.Equal(t, []string{"cat1"}, toolFields(t, fake, "t3")["Categories"])
	assert.True(t, sink.has("[1/2] Acme Code: Coding (ignored: Robotics)"))
	assert.True(t, sink.has("[2/2] Draft Tool: Writing"))
	require.Len(t, model.calls, 2)
	assert.Contains(t, model.calls[0].UserPrompt, "- Writing")
	assert.Contains(t, model.calls[0].UserPrompt, "- Coding")
}

func TestCategoriesJob_ScopeAllAndDryRun(t *testing.T) {
	fake := seedCatalog(t)
	model := &scriptedLLM{answers: map[string]string{"Tool: ": "Coding"}}

	sum, sink, err := runKind(t, fake, Deps{LLM: model}, KindCategories, Options{Scope: ScopeAll, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 3, Skipped: 3}, sum)
	assert.True(t, sink.has("would set Coding"))
	assert.Empty(t, fake.Updates("Tools"))
}

func TestCategoriesJob_NoMatch(t *testing.T) {
	fake := seedCatalog(t)
	model := &scriptedLLM{answers: map[string]string{"Tool: ": "Gardening"}}

	sum, _, err := runKind(t, fake, Deps{LLM: model}, KindCategories, Options{IDs: []string{"acme"}})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Failed: 1}, sum)
	assert.Empty(t, fake.Updates("Tools"))
}

func TestSelectTools_ExplicitIDs(t *testing.T) {
	fake := seedCatalog(t)
	model := &scriptedLLM{answers: map[string]string{"Tool: ": "Coding"}}

	// t1 already has a category but explicit ids ignore the scope
	sum, sink, err := runKind(t, fake, Deps{LLM: model}, KindCategories, Options{IDs: []string{"t1,acme", "t1"}})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.True(t, sink.has("[1/2] Zed Writer"))

	_, _, err = runKind(t, fake, Deps{LLM: model}, KindCategories, Options{IDs: []string{"nope"}})
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Contains(t, err.Error(), "unknown tools: nope")
}

func TestJobsRequireModel(t *testing.T) {
	for _, kind := range []Kind{KindCategories, KindTags, KindUseCases, KindCautions, KindDescriptions, KindArticles} {
		t.Run(string(kind), func(t *testing.T) {
			_, _, err := runKind(t, seedCatalog(t), Deps{}, kind, Options{})
			require.Error(t, err)
			assert.True(t, IsNonRetryable(err))
		})
	}
}

func TestTagsJob_NoTerms(t *testing.T) {
	model := &scriptedLLM{}
	_, _, err := runKind(t, seedCatalog(t), Deps{LLM: model}, KindTags, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tags defined")
	assert.Empty(t, model.calls)
}

func TestCautionsJob(t *testing.T) {
	fake := seedCatalog(t)
	model := &scriptedLLM{answers: map[string]string{
		"Tool: ": "1. Pricey\n2. Closed source\n3. US only\n4. No API\n5. Slow\n6. Buggy",
	}}

	sum, _, err := runKind(t, fake, Deps{LLM: model}, KindCautions, Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Updated: 2}, sum)
	assert.Equal(t, "Pricey\nClosed source\nUS only\nNo API\nSlow", toolFields(t, fake, "t2")["Cautions"])
	assert.Equal(t, "Paid only", toolFields(t, fake, "t1")["Cautions"])
}

func TestDescriptionsJob(t *testing.T) {
	fake := seedCatalog(t)
	model := &scriptedLLM{answers: map[string]string{
		"Tool: Acme Code":  `Description: "Acme Code reviews pull requests."`,
		"Tool: Draft Tool": "   ",
	}}

	sum, _, err := runKind(t, fake, Deps{LLM: model}, KindDescriptions, Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Updated: 1, Failed: 1}, sum)
	f := toolFields(t, fake, "t2")
	assert.Equal(t, "Acme Code reviews pull requests.", f["Description"])
	assert.Equal(t, "2025-03-01T12:00:00Z", f["Enriched At"])
}

func TestArticlesJob_Topic(t *testing.T) {
	fake := seedCatalog(t)
	fake.Seed("Articles", table.Record{ID: "a1", Fields: table.Fields{"Title": "Best AI writers", "Tools": []string{"t1"}}})
	model := &scriptedLLM{answers: map[string]string{
		"Topic: Best AI writers": "# Best AI writers\n\n## Why\n\nThese tools help you write faster.\n\nMore text.",
	}}

	sum, sink, err := runKind(t, fake, Deps{LLM: model}, KindArticles, Options{Topic: " Best AI writers "})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Updated: 1}, sum)
	assert.True(t, sink.has(`drafted "Best AI writers" (/blog/best-ai-writers-2)`))

	recs := fake.Records("Articles")
	require.Len(t, recs, 2)
	f := recs[1].Fields
	assert.Equal(t, "best-ai-writers-2", f["Slug"])
	assert.Equal(t, "draft", f["Status"])
	assert.Equal(t, "These tools help you write faster.", f["Summary"])
	assert.Equal(t, []string{"t2", "t1"}, f["Tools"])
	assert.Contains(t, model.calls[0].UserPrompt, "1. Acme Code")
}

type fakeSearch struct {
	hits  []search.Hit
	err   error
	query string
}

func (f *fakeSearch) Search(text string, limit int) ([]search.Hit, error) {
	f.query = text
	return f.hits, f.err
}

func TestArticlesJob_TopicUsesSearchForRelatedTools(t *testing.T) {
	tests := []struct {
		name   string
		search *fakeSearch
		want   []string
	}{
		{
			name: "ranked hits",
			search: &fakeSearch{hits: []search.Hit{
				{Type: "article", ID: "a9"},
				{Type: "tool", ID: "t1"},
				{Type: "tool", ID: "t3"}, // unpublished
			}},
			want: []string{"t1"},
		},
		{"no tool hits", &fakeSearch{hits: []search.Hit{{Type: "article", ID: "a9"}}}, []string{"t2", "t1"}},
		{"index error", &fakeSearch{err: errors.New("search index is closed")}, []string{"t2", "t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := seedCatalog(t)
			model := &scriptedLLM{answers: map[string]string{
				"Topic: AI for writers": "# AI for writers\n\nPick a tool that fits.",
			}}

			sum, _, err := runKind(t, fake, Deps{LLM: model, Search: tt.search}, KindArticles, Options{Topic: "AI for writers"})
			require.NoError(t, err)
			assert.Equal(t, Summary{Total: 1, Updated: 1}, sum)
			assert.Equal(t, "AI for writers", tt.search.query)

			recs := fake.Records("Articles")
			require.Len(t, recs, 1)
			assert.Equal(t, tt.want, recs[0].Fields["Tools"])
		})
	}
}

func TestArticlesJob_PerTool(t *testing.T) {
	fake := seedCatalog(t)
	fake.Seed("Articles", table.Record{ID: "a1", Fields: table.Fields{"Title": "Zed", "Tools": []string{"t1"}}})
	model := &scriptedLLM{answers: map[string]string{
		"Topic: A practical guide to Acme Code": "Acme Code is a coding assistant.",
	}}

	// t1 is covered by an article and t3 is unpublished
	sum, _, err := runKind(t, fake, Deps{LLM: model}, KindArticles, Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Updated: 1}, sum)
	recs := fake.Records("Articles")
	require.Len(t, recs, 2)
	assert.Equal(t, "A practical guide to Acme Code", recs[1].Fields["Title"])
	assert.Equal(t, "a-practical-guide-to-acme-code", recs[1].Fields["Slug"])
}

func TestGitHubStatsJob(t *testing.T) {
	fake := seedCatalog(t)
	repos := fakeRepos{"https://github.com/acme/code": {Stars: 150}}

	sum, sink, err := runKind(t, fake, Deps{Repos: repos}, KindGitHubStats, Options{Scope: ScopeAll})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Updated: 1, Skipped: 1}, sum)
	assert.Equal(t, 150, toolFields(t, fake, "t2")["Stars"])
	assert.True(t, sink.has("Acme Code: 120 → 150 stars"))
	assert.True(t, sink.has("Draft Tool: repository not found"))

	repos["https://github.com/acme/code"] = &repostats.Stats{Stars: 150}
	sum, _, err = runKind(t, fake, Deps{Repos: repos}, KindGitHubStats, Options{IDs: []string{"acme"}})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Skipped: 1}, sum)

	_, _, err = runKind(t, fake, Deps{}, KindGitHubStats, Options{})
	assert.True(t, IsNonRetryable(err))
}

func TestParseKindAndOptions(t *testing.T) {
	k, ok := ParseKind(" Use_Cases ")
	require.True(t, ok)
	assert.Equal(t, KindUseCases, k)
	_, ok = ParseKind("weather")
	assert.False(t, ok)
	assert.Len(t, Kinds(), 7)
	assert.NotEmpty(t, KindArticles.Describe())

	opts := Options{IDs: []string{" a, b ", ""}}.Normalize()
	assert.Equal(t, ScopeMissing, opts.Scope)
	assert.Equal(t, []string{"a", "b"}, opts.IDs)
	assert.NoError(t, opts.Validate())
	assert.Error(t, Options{Scope: "some"}.Normalize().Validate())
}

func TestSplitTitle(t *testing.T) {
	title, body := splitTitle("# Hello\nworld")
	assert.Equal(t, "Hello", title)
	assert.Equal(t, "world", body)

	title, body = splitTitle("no heading")
	assert.Empty(t, title)
	assert.Equal(t, "no heading", body)
}
