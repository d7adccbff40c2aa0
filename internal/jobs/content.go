package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/matcher"
	"github.com/cexll/aidir/internal/prompt"
)

const maxCautions = 5

// cautionsJob writes a newline separated list of caveats per tool
type cautionsJob struct {
	deps Deps
	opts Options
}

func (j *cautionsJob) WorkingSet(ctx context.Context, opts Options) ([]Item, error) {
	if j.deps.LLM == nil {
		return nil, NonRetryable(errNoModel)
	}
	j.opts = opts
	return selectTools(ctx, j.deps.Catalog, opts, func(t catalog.Tool) bool {
		return len(t.Cautions) == 0
	})
}

func (j *cautionsJob) Process(ctx context.Context, item Item) (Outcome, error) {
	answer, err := complete(ctx, j.deps, prompt.KindCautions, prompt.Data{
		Tool:  toolData(item.Tool),
		Limit: maxCautions,
	})
	if err != nil {
		return Outcome{}, err
	}
	cautions := matcher.SplitList(answer)
	if len(cautions) > maxCautions {
		cautions = cautions[:maxCautions]
	}
	if len(cautions) == 0 {
		return Outcome{Status: StatusFailed, Message: "model returned no cautions"}, nil
	}
	msg := fmt.Sprintf("%d caution(s)", len(cautions))
	if j.opts.DryRun {
		return Outcome{Status: StatusSkipped, Message: "would set " + msg}, nil
	}
	if err := j.deps.Catalog.UpdateTool(ctx, item.ID, catalog.ToolPatch{}.WithCautions(cautions)); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusUpdated, Message: msg}, nil
}

// descriptionsJob writes the short directory description
type descriptionsJob struct {
	deps Deps
	opts Options
}

func (j *descriptionsJob) WorkingSet(ctx context.Context, opts Options) ([]Item, error) {
	if j.deps.LLM == nil {
		return nil, NonRetryable(errNoModel)
	}
	j.opts = opts
	return selectTools(ctx, j.deps.Catalog, opts, func(t catalog.Tool) bool {
		return strings.TrimSpace(t.Description) == ""
	})
}

func (j *descriptionsJob) Process(ctx context.Context, item Item) (Outcome, error) {
	answer, err := complete(ctx, j.deps, prompt.KindDescription, prompt.Data{Tool: toolData(item.Tool)})
	if err != nil {
		return Outcome{}, err
	}
	desc := cleanDescription(answer)
	if desc == "" {
		return Outcome{Status: StatusFailed, Message: "model returned an empty description"}, nil
	}
	if j.opts.DryRun {
		return Outcome{Status: StatusSkipped, Message: "would set " + abbreviate(desc, 80)}, nil
	}
	now := j.deps.Now()
	if err := j.deps.Catalog.UpdateTool(ctx, item.ID, catalog.ToolPatch{Description: &desc, EnrichedAt: &now}); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusUpdated, Message: abbreviate(desc, 80)}, nil
}

// cleanDescription drops fences, a "Description:" label and wrapping quotes
func cleanDescription(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ":"); i > 0 && strings.EqualFold(s[:i], "description") {
		s = s[i+1:]
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"') {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
