package truth

import (
	"context"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/store"
)

// AddDependency records that dependent relies on dependency. When the
// dependency is later invalidated, the dependent turns SUSPECT.
func (e *Engine) AddDependency(ctx context.Context, dependentID, dependencyID, cause string) error {
	return e.store.AddFactEdge(ctx, dependentID, dependencyID, cause)
}

// PropagateInvalidation walks the dependency graph from an invalidated fact
// and marks every transitive dependent SUSPECT with the recorded cause.
// Dependents are never deprecated here: they may be independently
// reinforced back to canonical status.
func (e *Engine) PropagateInvalidation(ctx context.Context, factID, cause string) error {
	seen := map[string]struct{}{factID: {}}
	queue := []string{factID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		dependents, err := e.store.ListDependents(ctx, id)
		if err != nil {
			return err
		}
		for _, depID := range dependents {
			if _, ok := seen[depID]; ok {
				continue
			}
			seen[depID] = struct{}{}

			f, err := e.store.GetFact(ctx, depID)
			if err != nil {
				return err
			}
			if f == nil || !f.Canonical() {
				continue
			}
			reason := "dependency invalidated: " + cause
			if err := e.store.UpdateFactStatus(ctx, depID, store.StatusSuspect, reason); err != nil {
				return err
			}
			e.log.Info("dependent fact marked suspect",
				zap.String("fact", depID),
				zap.String("dependency", id),
				zap.String("cause", cause))
			queue = append(queue, depID)
		}
	}
	return nil
}
