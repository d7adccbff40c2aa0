package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/matcher"
	"github.com/cexll/aidir/internal/prompt"
)

type taxonomySpec struct {
	term   catalog.TermKind
	prompt prompt.Kind
	label  string
	limit  int
	linked func(catalog.Tool) []string
	patch  func(ids []string) catalog.ToolPatch
}

var (
	taxonomyCategories = taxonomySpec{
		term:   catalog.KindCategory,
		prompt: prompt.KindCategories,
		label:  "categories",
		limit:  3,
		linked: func(t catalog.Tool) []string { return t.CategoryIDs },
		patch:  func(ids []string) catalog.ToolPatch { return catalog.ToolPatch{}.WithCategories(ids) },
	}
	taxonomyTags = taxonomySpec{
		term:   catalog.KindTag,
		prompt: prompt.KindTags,
		label:  "tags",
		limit:  5,
		linked: func(t catalog.Tool) []string { return t.TagIDs },
		patch:  func(ids []string) catalog.ToolPatch { return catalog.ToolPatch{}.WithTags(ids) },
	}
	taxonomyUseCases = taxonomySpec{
		term:   catalog.KindUseCase,
		prompt: prompt.KindUseCases,
		label:  "use cases",
		limit:  4,
		linked: func(t catalog.Tool) []string { return t.UseCaseIDs },
		patch:  func(ids []string) catalog.ToolPatch { return catalog.ToolPatch{}.WithUseCases(ids) },
	}
)

// taxonomyJob asks the model to pick terms from the canonical list and links
// the matched records to the tool
type taxonomyJob struct {
	deps    Deps
	spec    taxonomySpec
	opts    Options
	matcher *matcher.Matcher
	options []prompt.Option
}

func newTaxonomyJob(deps Deps, spec taxonomySpec) *taxonomyJob {
	return &taxonomyJob{deps: deps, spec: spec}
}

func (j *taxonomyJob) WorkingSet(ctx context.Context, opts Options) ([]Item, error) {
	if j.deps.LLM == nil {
		return nil, NonRetryable(errNoModel)
	}
	terms, err := j.deps.Catalog.Terms(ctx, j.spec.term)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", j.spec.label, err)
	}
	if len(terms) == 0 {
		return nil, NonRetryable(fmt.Errorf("no %s defined", j.spec.label))
	}

	candidates := make([]matcher.Candidate, len(terms))
	j.options = make([]prompt.Option, len(terms))
	for i, t := range terms {
		candidates[i] = matcher.Candidate{ID: t.ID, Name: t.Name, Slug: t.Slug, Aliases: t.Aliases}
		j.options[i] = prompt.Option{Name: t.Name, Description: t.Description}
	}
	j.matcher = matcher.New(candidates)
	j.opts = opts

	return selectTools(ctx, j.deps.Catalog, opts, func(t catalog.Tool) bool {
		return len(j.spec.linked(t)) == 0
	})
}

func (j *taxonomyJob) Process(ctx context.Context, item Item) (Outcome, error) {
	answer, err := complete(ctx, j.deps, j.spec.prompt, prompt.Data{
		Tool:    toolData(item.Tool),
		Options: j.options,
		Limit:   j.spec.limit,
	})
	if err != nil {
		return Outcome{}, err
	}

	res := j.matcher.Match(answer, j.spec.limit)
	if len(res.IDs) == 0 {
		return Outcome{
			Status:  StatusFailed,
			Message: fmt.Sprintf("no known %s in answer %q", j.spec.label, abbreviate(answer, 80)),
		}, nil
	}

	msg := strings.Join(res.Names, ", ")
	if len(res.Unmatched) > 0 {
		msg += fmt.Sprintf(" (ignored: %s)", strings.Join(res.Unmatched, ", "))
	}
	if j.opts.DryRun {
		return Outcome{Status: StatusSkipped, Message: "would set " + msg}, nil
	}
	if err := j.deps.Catalog.UpdateTool(ctx, item.ID, j.spec.patch(res.IDs)); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusUpdated, Message: msg}, nil
}
