package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/repostats"
)

// githubStatsJob refreshes star counts from the repository host. It never calls the model.
type githubStatsJob struct {
	deps Deps
	opts Options
}

func (j *githubStatsJob) WorkingSet(ctx context.Context, opts Options) ([]Item, error) {
	if j.deps.Repos == nil {
		return nil, NonRetryable(errNoRepos)
	}
	j.opts = opts
	items, err := selectTools(ctx, j.deps.Catalog, opts, func(t catalog.Tool) bool {
		return t.Stars == 0
	})
	if err != nil {
		return nil, err
	}
	// tools without a repository are never part of the run
	out := items[:0]
	for _, it := range items {
		if _, _, ok := repostats.ParseRepoURL(it.Tool.GitHubURL); ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (j *githubStatsJob) Process(ctx context.Context, item Item) (Outcome, error) {
	stats, err := j.deps.Repos.FetchURL(ctx, item.Tool.GitHubURL)
	if errors.Is(err, repostats.ErrNotFound) {
		return Outcome{Status: StatusSkipped, Message: "repository not found"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if stats.Stars == item.Tool.Stars {
		return Outcome{Status: StatusSkipped, Message: fmt.Sprintf("unchanged at %d stars", stats.Stars)}, nil
	}
	msg := fmt.Sprintf("%d → %d stars", item.Tool.Stars, stats.Stars)
	if stats.Archived {
		msg += " (archived)"
	}
	if j.opts.DryRun {
		return Outcome{Status: StatusSkipped, Message: "would set " + msg}, nil
	}
	stars := stats.Stars
	now := j.deps.Now()
	if err := j.deps.Catalog.UpdateTool(ctx, item.ID, catalog.ToolPatch{Stars: &stars, EnrichedAt: &now}); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusUpdated, Message: msg}, nil
}
