package dispatch

import (
	"context"
	"errors"
	"fmt"

	"prediction-service/internal/models"
	"prediction-service/internal/store"
)

// Resolver answers status polls. It never writes.
type Resolver struct {
	store store.ResultStore
}

func NewResolver(st store.ResultStore) *Resolver {
	return &Resolver{store: st}
}

// Get returns the client view of a job, or a NotFound error for unknown and expired ids.
func (r *Resolver) Get(ctx context.Context, id string) (models.JobView, error) {
	job, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.JobView{}, models.NotFound(id)
	}
	if err != nil {
		return models.JobView{}, fmt.Errorf("resolve job %s: %w", id, err)
	}
	return job.View(), nil
}
