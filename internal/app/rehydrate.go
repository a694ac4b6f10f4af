package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hylla/fieldsync/internal/domain"
)

// RehydrateResult reports one rehydration.
type RehydrateResult struct {
	ServiceLocalID string                    `json:"service_id"`
	Restored       map[domain.EntityType]int `json:"restored"`
	Kept           int                       `json:"kept"`
	Success        bool                      `json:"success"`
	Err            error                     `json:"-"`
}

// Rehydrator detects purged service caches and rebuilds them from the server.
type Rehydrator struct {
	repo   Repository
	remote RemoteAPI
	conn   Connectivity
	notify notifier
	names  *NameIndex
	idGen  IDGenerator
	clock  Clock
	logger Logger
}

func newRehydrator(repo Repository, remote RemoteAPI, conn Connectivity, notify notifier, names *NameIndex, idGen IDGenerator, clock Clock, logger Logger) *Rehydrator {
	return &Rehydrator{repo: repo, remote: remote, conn: conn, notify: notify, names: names, idGen: idGen, clock: clock, logger: logger}
}

// trackedTypes are the sub-entities a service marker counts.
var trackedTypes = []domain.EntityType{domain.EntityRoom, domain.EntityChecklistItem}

// NeedsRehydration reports whether the cache holds fewer rooms or checklist items
// for a service than the marker recorded when it was last fully synced, while the
// outbox has nothing pending for that service.
func (r *Rehydrator) NeedsRehydration(ctx context.Context, serviceLocalID string) (bool, error) {
	marker, ok, err := r.repo.GetServiceMarker(ctx, serviceLocalID)
	if err != nil || !ok {
		return false, err
	}
	if marker.Rooms+marker.ChecklistItems == 0 {
		return false, nil
	}
	pending, err := r.repo.PendingOperations(ctx, OutboxQuery{ServiceLocalID: serviceLocalID})
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		return false, nil
	}
	rooms, items, err := r.localCounts(ctx, serviceLocalID)
	if err != nil {
		return false, err
	}
	if _, err := r.repo.GetRecord(ctx, domain.EntityService, serviceLocalID); errors.Is(err, ErrNotFound) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	return rooms < marker.Rooms || items < marker.ChecklistItems, nil
}

func (r *Rehydrator) localCounts(ctx context.Context, serviceLocalID string) (int, int, error) {
	rooms, err := r.repo.CountRecords(ctx, RecordQuery{EntityType: domain.EntityRoom, ServiceLocalID: serviceLocalID})
	if err != nil {
		return 0, 0, err
	}
	items, err := r.repo.CountRecords(ctx, RecordQuery{EntityType: domain.EntityChecklistItem, ServiceLocalID: serviceLocalID})
	if err != nil {
		return 0, 0, err
	}
	return rooms, items, nil
}

// Rehydrate refetches a service from the remote record store and repopulates the cache.
func (r *Rehydrator) Rehydrate(ctx context.Context, serviceLocalID string) RehydrateResult {
	result := RehydrateResult{ServiceLocalID: serviceLocalID, Restored: map[domain.EntityType]int{}}
	err := r.rehydrate(ctx, serviceLocalID, &result)
	if err != nil {
		result.Err = err
		metricRehydrations.WithLabelValues("error").Inc()
		r.logger.Error("rehydration failed", "service_id", serviceLocalID, "err", err)
		return result
	}
	result.Success = true
	metricRehydrations.WithLabelValues("ok").Inc()
	r.logger.Info("service rehydrated",
		"service_id", serviceLocalID,
		"rooms", result.Restored[domain.EntityRoom],
		"checklist_items", result.Restored[domain.EntityChecklistItem],
		"kept", result.Kept,
	)
	return result
}

func (r *Rehydrator) rehydrate(ctx context.Context, serviceLocalID string, result *RehydrateResult) error {
	if r.remote == nil || (r.conn != nil && !r.conn.Online()) {
		return ErrOffline
	}
	serviceServerID, err := r.serviceServerID(ctx, serviceLocalID)
	if err != nil {
		return err
	}
	snapshot, err := r.remote.FetchService(ctx, serviceServerID)
	if err != nil {
		return fmt.Errorf("fetch service %s: %w", serviceServerID, err)
	}

	now := r.clock().UTC()
	localIDs := map[domain.EntityType]map[string]string{
		domain.EntityService: {serviceServerID: serviceLocalID},
	}
	var records []domain.LocalRecord
	for _, entityType := range domain.EntityTypes() {
		for _, remote := range snapshot.Records {
			if remote.EntityType != entityType || remote.ServerID == "" {
				continue
			}
			localID, existed, err := r.localIDFor(ctx, remote, serviceLocalID, serviceServerID)
			if err != nil {
				return err
			}
			if localIDs[entityType] == nil {
				localIDs[entityType] = map[string]string{}
			}
			localIDs[entityType][remote.ServerID] = localID

			if existed {
				pending, err := r.repo.PendingOperations(ctx, OutboxQuery{TargetLocalID: localID})
				if err != nil {
					return err
				}
				if len(pending) > 0 {
					result.Kept++
					continue
				}
			}
			rec := domain.LocalRecord{
				LocalID:        localID,
				ServerID:       remote.ServerID,
				EntityType:     entityType,
				Payload:        remote.Payload.Clone(),
				SyncStatus:     domain.SyncSynced,
				ServiceLocalID: serviceLocalID,
				ParentLocalID:  r.parentLocalID(entityType, remote.ParentServerID, localIDs, serviceLocalID),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if entityType == domain.EntityService {
				rec.ServiceLocalID = ""
			}
			records = append(records, rec)
			if !existed {
				result.Restored[entityType]++
			}
		}
	}

	tokens, err := r.repo.HydrateRecords(ctx, records)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalStorage, err)
	}
	rooms, items, err := r.localCounts(ctx, serviceLocalID)
	if err != nil {
		return err
	}
	if err := r.repo.PutServiceMarker(ctx, ServiceMarker{
		ServiceLocalID:  serviceLocalID,
		ServiceServerID: serviceServerID,
		Rooms:           rooms,
		ChecklistItems:  items,
		SyncedAt:        now,
	}); err != nil {
		return err
	}
	r.names.InvalidateService(serviceLocalID)
	r.notify.tokens(tokens...)
	r.notify.event(domain.InvalidationEvent{
		Kind:           domain.EventRehydrated,
		EntityType:     domain.EntityService,
		ServiceLocalID: serviceLocalID,
		LocalID:        serviceLocalID,
		At:             now,
	})
	return nil
}

func (r *Rehydrator) serviceServerID(ctx context.Context, serviceLocalID string) (string, error) {
	service, err := r.repo.GetRecord(ctx, domain.EntityService, serviceLocalID)
	if err == nil && service.ServerID != "" {
		return service.ServerID, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	marker, ok, merr := r.repo.GetServiceMarker(ctx, serviceLocalID)
	if merr != nil {
		return "", merr
	}
	if ok && marker.ServiceServerID != "" {
		return marker.ServiceServerID, nil
	}
	if serverID, ok, rerr := r.repo.ResolveServerID(ctx, serviceLocalID); rerr == nil && ok {
		return serverID, nil
	}
	return "", fmt.Errorf("service %s: %w", serviceLocalID, ErrNotConfirmed)
}

func (r *Rehydrator) localIDFor(ctx context.Context, remote RemoteRecord, serviceLocalID, serviceServerID string) (string, bool, error) {
	if remote.EntityType == domain.EntityService && remote.ServerID == serviceServerID {
		_, err := r.repo.GetRecord(ctx, domain.EntityService, serviceLocalID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", false, err
		}
		return serviceLocalID, err == nil, nil
	}
	if rec, err := r.repo.FindRecordByServerID(ctx, remote.EntityType, remote.ServerID); err == nil {
		return rec.LocalID, true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}
	if localID, ok, err := r.repo.ResolveLocalID(ctx, remote.EntityType, remote.ServerID); err != nil {
		return "", false, err
	} else if ok {
		return localID, false, nil
	}
	return r.idGen(), false, nil
}

func (r *Rehydrator) parentLocalID(entityType domain.EntityType, parentServerID string, localIDs map[domain.EntityType]map[string]string, serviceLocalID string) string {
	for _, parentType := range domain.ParentTypes(entityType) {
		if localID, ok := localIDs[parentType][parentServerID]; ok {
			return localID
		}
	}
	if isParentType(entityType, domain.EntityService) {
		return serviceLocalID
	}
	return ""
}

// track keeps the service marker in step with acknowledged creates and deletes of
// rooms and checklist items.
func (r *Rehydrator) track(ctx context.Context, op domain.Operation) {
	if op.ServiceLocalID == "" && op.TargetEntityType != domain.EntityService {
		return
	}
	if op.TargetEntityType == domain.EntityService && op.Kind == domain.OpCreate {
		r.ensureMarker(ctx, op.TargetLocalID)
		return
	}
	delta := 0
	switch op.Kind {
	case domain.OpCreate:
		delta = 1
	case domain.OpDelete:
		delta = -1
	default:
		return
	}
	if !slices.Contains(trackedTypes, op.TargetEntityType) {
		return
	}
	marker, ok, err := r.repo.GetServiceMarker(ctx, op.ServiceLocalID)
	if err != nil {
		r.logger.Warn("service marker read failed", "service_id", op.ServiceLocalID, "err", err)
		return
	}
	if !ok {
		marker = ServiceMarker{ServiceLocalID: op.ServiceLocalID}
		if serverID, found, err := r.repo.ResolveServerID(ctx, op.ServiceLocalID); err == nil && found {
			marker.ServiceServerID = serverID
		}
	}
	switch op.TargetEntityType {
	case domain.EntityRoom:
		marker.Rooms = max(0, marker.Rooms+delta)
	case domain.EntityChecklistItem:
		marker.ChecklistItems = max(0, marker.ChecklistItems+delta)
	}
	marker.SyncedAt = r.clock().UTC()
	if err := r.repo.PutServiceMarker(ctx, marker); err != nil {
		r.logger.Warn("service marker write failed", "service_id", op.ServiceLocalID, "err", err)
	}
}

func (r *Rehydrator) ensureMarker(ctx context.Context, serviceLocalID string) {
	marker, ok, err := r.repo.GetServiceMarker(ctx, serviceLocalID)
	if err != nil {
		return
	}
	if ok && marker.ServiceServerID != "" {
		return
	}
	serverID, found, err := r.repo.ResolveServerID(ctx, serviceLocalID)
	if err != nil || !found {
		return
	}
	marker.ServiceLocalID = serviceLocalID
	marker.ServiceServerID = serverID
	marker.SyncedAt = r.clock().UTC()
	if err := r.repo.PutServiceMarker(ctx, marker); err != nil {
		r.logger.Warn("service marker write failed", "service_id", serviceLocalID, "err", err)
	}
}
