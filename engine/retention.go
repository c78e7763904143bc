package engine

import (
	"context"

	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/source"
	"github.com/coffeebreak/coldbrew/store"
)

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	Deleted []store.ArtifactRef `json:"deleted,omitempty"`
	Kept    int                 `json:"kept"`
}

// Cleanup runs the retention sweep on demand and propagates the resulting
// deletions to all remote mirrors.
func (e *Engine) Cleanup(ctx context.Context) (*SweepResult, error) {
	res, err := e.sweep(ctx)
	if err != nil {
		return nil, err
	}

	if e.syncRemotes(ctx, &RunSummary{}) {
		log(ctx).Warnf("a required remote failed to mirror the cleanup")
	}

	return res, nil
}

// sweep deletes local artifacts older than the retention window. Artifacts
// referenced by an active recovery session are always kept. Artifacts whose
// timestamp cannot be parsed are kept and logged, never deleted.
func (e *Engine) sweep(ctx context.Context) (*SweepResult, error) {
	cutoff := clock.Now().AddDate(0, 0, -e.cfg.Retention.Days)
	res := &SweepResult{}

	for _, kind := range source.AllKinds {
		refs, err := e.local.List(ctx, string(kind))
		if err != nil {
			return nil, err
		}

		for _, ref := range refs {
			ts, err := ref.Timestamp()
			if err != nil {
				log(ctx).Warnf("keeping artifact with unparseable timestamp: %v", ref.Name)

				res.Kept++

				continue
			}

			if !ts.Before(cutoff) {
				res.Kept++
				continue
			}

			if e.protect != nil && e.protect.Protected(ref.Kind, ref.Name) {
				log(ctx).Infof("keeping expired artifact %v/%v: referenced by active recovery", ref.Kind, ref.Name)

				res.Kept++

				continue
			}

			if err := e.local.Delete(ctx, ref.Kind, ref.Name); err != nil {
				log(ctx).Errorf("unable to delete expired artifact %v/%v: %v", ref.Kind, ref.Name, err)

				res.Kept++

				continue
			}

			log(ctx).Infof("deleted expired artifact %v/%v", ref.Kind, ref.Name)
			metricRetentionDeleted.Inc()

			res.Deleted = append(res.Deleted, ref)
		}
	}

	return res, nil
}
