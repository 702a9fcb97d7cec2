package app

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Prune deletes transitions evaluated before now-olderThan and reports how
// many remain.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return errors.New("retention must be positive")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to prune")
	}
	defer closeStore()

	before, err := store.CountTransitions(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	if err := store.DeleteTransitionsBefore(ctx, cutoff); err != nil {
		return err
	}
	after, err := store.CountTransitions(ctx)
	if err != nil {
		return err
	}

	a.Logger.Info().Time("cutoff", cutoff).Int64("deleted", before-after).Int64("remaining", after).Msg("pruned transitions")
	fmt.Printf("deleted %d transitions older than %s, %d remaining\n", before-after, cutoff.Format(time.RFC3339), after)
	return nil
}
