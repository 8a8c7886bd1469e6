package storage

import (
	"context"
	"fmt"
	"time"
)

// probeCollection is a scratch collection used only by the health check; it
// never participates in real session/client/credential data.
const probeCollection = "__health"

// NewHealthCheckFunc returns a go-sundheit-shaped check function that proves
// the Store is reachable and writable by creating and immediately deleting a
// throwaway document, mirroring the teacher's create/delete auth-request
// round trip.
func NewHealthCheckFunc(store Store, now func() time.Time) func(context.Context) (details interface{}, err error) {
	return func(ctx context.Context) (details interface{}, err error) {
		up := store.Upsertor(probeCollection)
		up.Set("probed_at", now())

		id, _, err := up.Execute(ctx)
		if err != nil {
			return nil, fmt.Errorf("health check create: %w", err)
		}

		if err := store.Delete(ctx, probeCollection, id); err != nil {
			return nil, fmt.Errorf("health check delete: %w", err)
		}

		return nil, nil
	}
}
