package app

import (
	"context"
	"fmt"

	"github.com/hylla/fieldsync/internal/domain"
)

// Reconciler owns the local to server id map.
type Reconciler struct {
	repo   Repository
	notify notifier
	clock  Clock
	logger Logger
}

func newReconciler(repo Repository, notify notifier, clock Clock, logger Logger) *Reconciler {
	return &Reconciler{repo: repo, notify: notify, clock: clock, logger: logger}
}

// Resolve returns the server id mapped to localID.
func (r *Reconciler) Resolve(ctx context.Context, localID string) (string, bool, error) {
	return r.repo.ResolveServerID(ctx, localID)
}

// Ref returns the tagged identifier for a cached record.
func (r *Reconciler) Ref(ctx context.Context, localID string) (domain.Ref, error) {
	serverID, ok, err := r.repo.ResolveServerID(ctx, localID)
	if err != nil {
		return domain.Ref{}, err
	}
	if ok {
		return domain.Confirmed(serverID), nil
	}
	return domain.Temporary(localID), nil
}

// Reconcile records that the server assigned serverID to localID. The mapping, the
// record's server id and every outbox reference are rewritten in one transaction
// before the reconciled event is published. Repeating a mapping is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, entityType domain.EntityType, localID, serverID string) error {
	_, err := r.apply(ctx, entityType, localID, serverID, 0)
	return err
}

func (r *Reconciler) apply(ctx context.Context, entityType domain.EntityType, localID, serverID string, ackOpID int64) (bool, error) {
	entry, err := domain.NewReconciliationEntry(entityType, localID, serverID, r.clock())
	if err != nil {
		return false, err
	}
	outcome, err := r.repo.Reconcile(ctx, entry, ackOpID)
	if err != nil {
		return false, fmt.Errorf("reconcile %s -> %s: %w", localID, serverID, err)
	}
	if !outcome.Changed {
		return false, nil
	}
	metricReconciliations.Inc()
	r.logger.Debug("identifier reconciled", "entity_type", entityType, "local_id", localID, "server_id", serverID)
	if outcome.Token.Seq == 0 {
		// The record was deleted locally before the create confirmed.
		return true, nil
	}
	evt := domain.EventFromToken(outcome.Token)
	evt.ServerID = serverID
	r.notify.event(evt)
	return true, nil
}
