package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
)

// AppServiceAdapter maps transport contracts onto app.Service.
type AppServiceAdapter struct {
	service *app.Service
}

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service}
}

func (a *AppServiceAdapter) ready() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	return nil
}

// GetRecord resolves one cached record by temporary or server id.
func (a *AppServiceAdapter) GetRecord(ctx context.Context, in GetRecordRequest) (Record, error) {
	if err := a.ready(); err != nil {
		return Record{}, err
	}
	entityType, err := parseEntityType(in.EntityType)
	if err != nil {
		return Record{}, err
	}
	var ref domain.Ref
	switch {
	case strings.TrimSpace(in.ServerID) != "":
		ref = domain.Confirmed(strings.TrimSpace(in.ServerID))
	case strings.TrimSpace(in.LocalID) != "":
		ref = domain.Temporary(strings.TrimSpace(in.LocalID))
	default:
		return Record{}, fmt.Errorf("local_id or server_id is required: %w", ErrInvalidRequest)
	}
	rec, err := a.service.GetCached(ctx, entityType, ref)
	if err != nil {
		return Record{}, mapAppError("get record", err)
	}
	return MapRecord(rec), nil
}

// QueryRecords lists cached records of one type.
func (a *AppServiceAdapter) QueryRecords(ctx context.Context, in QueryRecordsRequest) ([]Record, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	entityType, err := parseEntityType(in.EntityType)
	if err != nil {
		return nil, err
	}
	q := app.RecordQuery{
		EntityType:     entityType,
		ServiceLocalID: strings.TrimSpace(in.ServiceID),
		ParentLocalID:  strings.TrimSpace(in.ParentID),
	}
	if raw := strings.TrimSpace(in.Status); raw != "" {
		status, err := domain.ParseSyncStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("status %q: %w", raw, errors.Join(ErrInvalidRequest, err))
		}
		q.Statuses = []domain.SyncStatus{status}
	}
	rows, err := a.service.Query(ctx, q)
	if err != nil {
		return nil, mapAppError("query records", err)
	}
	out := make([]Record, 0, len(rows))
	for _, rec := range rows {
		out = append(out, MapRecord(rec))
	}
	return out, nil
}

// ApplyMutation applies one create, update or delete locally and queues it for sync.
func (a *AppServiceAdapter) ApplyMutation(ctx context.Context, in MutationRequest) (MutationResult, error) {
	if err := a.ready(); err != nil {
		return MutationResult{}, err
	}
	kind, err := domain.ParseOpKind(in.Kind)
	if err != nil {
		return MutationResult{}, fmt.Errorf("kind %q: %w", in.Kind, errors.Join(ErrInvalidRequest, err))
	}
	entityType, err := parseEntityType(in.EntityType)
	if err != nil {
		return MutationResult{}, err
	}
	localID := strings.TrimSpace(in.LocalID)
	if kind != domain.OpCreate && localID == "" {
		return MutationResult{}, fmt.Errorf("local_id is required for %s: %w", kind, ErrInvalidRequest)
	}
	if kind == domain.OpUpdate && len(in.Payload) == 0 {
		return MutationResult{}, fmt.Errorf("payload is required for update: %w", ErrInvalidRequest)
	}

	outcome, err := a.service.EnqueueMutation(ctx, app.MutationRequest{
		Kind:          kind,
		EntityType:    entityType,
		LocalID:       localID,
		ParentLocalID: strings.TrimSpace(in.ParentID),
		Payload:       domain.Payload(in.Payload),
	})
	if err != nil {
		return MutationResult{}, mapAppError(string(kind)+" "+string(entityType), err)
	}
	if outcome.Delete != nil {
		return MutationResult{
			Deleted:   outcome.Delete.Deleted,
			Cancelled: outcome.Delete.Cancelled,
			Queued:    outcome.Delete.Queued,
		}, nil
	}
	rec := MapRecord(outcome.Record)
	return MutationResult{Record: &rec, Queued: 1}, nil
}

// TriggerSync queues a drain, or runs one and waits when requested.
func (a *AppServiceAdapter) TriggerSync(ctx context.Context, in TriggerSyncRequest) (TriggerSyncResult, error) {
	if err := a.ready(); err != nil {
		return TriggerSyncResult{}, err
	}
	if !in.Wait {
		a.service.TriggerSync()
		return TriggerSyncResult{Triggered: true}, nil
	}
	if !a.service.IsOnline() {
		return TriggerSyncResult{}, mapAppError("sync", app.ErrOffline)
	}
	report, err := a.service.SyncNow(ctx)
	if err != nil {
		return TriggerSyncResult{}, mapAppError("sync", err)
	}
	summary := mapDrain(report)
	return TriggerSyncResult{Triggered: true, Drain: &summary}, nil
}

// SyncStatus reports the sync engine state and outbox depth.
func (a *AppServiceAdapter) SyncStatus(ctx context.Context) (SyncStatus, error) {
	if err := a.ready(); err != nil {
		return SyncStatus{}, err
	}
	status, err := a.service.Status(ctx)
	if err != nil {
		return SyncStatus{}, mapAppError("sync status", err)
	}
	out := SyncStatus{
		State:     string(status.State),
		Online:    status.Online,
		Queued:    status.Outbox.Queued,
		Inflight:  status.Outbox.Inflight,
		Failed:    status.Outbox.Failed,
		Oldest:    optionalTime(status.Outbox.Oldest),
		NextRetry: optionalTime(status.NextRetry),
		ServiceID: status.Service,
		LastDrain: mapDrain(status.LastDrain),
		FailedOps: make([]Operation, 0, len(status.FailedOps)),
	}
	for _, op := range status.FailedOps {
		out.FailedOps = append(out.FailedOps, MapOperation(op))
	}
	return out, nil
}

// RetryFailed requeues the failed operations of one entity.
func (a *AppServiceAdapter) RetryFailed(ctx context.Context, localID string) (OutboxActionResult, error) {
	if err := a.ready(); err != nil {
		return OutboxActionResult{}, err
	}
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return OutboxActionResult{}, fmt.Errorf("local_id is required: %w", ErrInvalidRequest)
	}
	n, err := a.service.RetryFailed(ctx, localID)
	if err != nil {
		return OutboxActionResult{}, mapAppError("retry failed", err)
	}
	return OutboxActionResult{LocalID: localID, Requeued: n}, nil
}

// DiscardFailed drops the failed operations of one entity.
func (a *AppServiceAdapter) DiscardFailed(ctx context.Context, localID string) (OutboxActionResult, error) {
	if err := a.ready(); err != nil {
		return OutboxActionResult{}, err
	}
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return OutboxActionResult{}, fmt.Errorf("local_id is required: %w", ErrInvalidRequest)
	}
	res, err := a.service.DiscardFailed(ctx, localID)
	if err != nil {
		return OutboxActionResult{}, mapAppError("discard failed", err)
	}
	return OutboxActionResult{
		LocalID:   localID,
		Discarded: res.DiscardedOps,
		Deleted:   res.Deleted,
		Refreshed: res.Refreshed,
	}, nil
}

// OpenService makes one service current, rehydrating it first when purged.
func (a *AppServiceAdapter) OpenService(ctx context.Context, serviceID string) (OpenServiceResult, error) {
	if err := a.ready(); err != nil {
		return OpenServiceResult{}, err
	}
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return OpenServiceResult{}, fmt.Errorf("service_id is required: %w", ErrInvalidRequest)
	}
	ready, err := a.service.OpenService(ctx, serviceID)
	if err != nil {
		return OpenServiceResult{}, mapAppError("open service", err)
	}
	out := OpenServiceResult{Service: MapRecord(ready.Service)}
	if ready.Rehydrated != nil {
		res := mapRehydrate(*ready.Rehydrated)
		out.Rehydrated = &res
	}
	return out, nil
}

// Rehydrate rebuilds one service cache from the remote record store.
func (a *AppServiceAdapter) Rehydrate(ctx context.Context, serviceID string) (RehydrateResult, error) {
	if err := a.ready(); err != nil {
		return RehydrateResult{}, err
	}
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return RehydrateResult{}, fmt.Errorf("service_id is required: %w", ErrInvalidRequest)
	}
	res := a.service.Rehydrate(ctx, serviceID)
	if res.Err != nil {
		return mapRehydrate(res), mapAppError("rehydrate", res.Err)
	}
	return mapRehydrate(res), nil
}

// CapturePhoto stores one photo locally and queues its upload.
func (a *AppServiceAdapter) CapturePhoto(ctx context.Context, in CapturePhotoRequest) (Photo, error) {
	if err := a.ready(); err != nil {
		return Photo{}, err
	}
	parentType, err := parseEntityType(in.ParentType)
	if err != nil {
		return Photo{}, err
	}
	res, err := a.service.CaptureBlob(ctx, app.CaptureInput{
		ParentEntityType: parentType,
		ParentLocalID:    strings.TrimSpace(in.ParentID),
		FileName:         in.FileName,
		ContentType:      in.ContentType,
		Caption:          in.Caption,
		Content:          in.Content,
	})
	if err != nil {
		return Photo{}, mapAppError("capture photo", err)
	}
	out := Photo{ImageID: res.ImageID, Record: MapRecord(res.Photo), Degraded: res.Degraded}
	if url, err := a.service.GetDisplayURL(ctx, res.ImageID); err == nil {
		out.DisplayURL = url
	}
	return out, nil
}

// AnnotatePhoto stores an annotated rendition and queues caption changes.
func (a *AppServiceAdapter) AnnotatePhoto(ctx context.Context, in AnnotatePhotoRequest) (Photo, error) {
	if err := a.ready(); err != nil {
		return Photo{}, err
	}
	rec, err := a.service.AnnotateBlob(ctx, app.AnnotateInput{
		ImageID:  strings.TrimSpace(in.ImageID),
		Content:  in.Content,
		Caption:  in.Caption,
		Drawings: in.Drawings,
	})
	if err != nil {
		return Photo{}, mapAppError("annotate photo", err)
	}
	out := Photo{ImageID: strings.TrimSpace(in.ImageID), Record: MapRecord(rec)}
	if url, err := a.service.GetDisplayURL(ctx, out.ImageID); err == nil {
		out.DisplayURL = url
	}
	return out, nil
}

// GetPhoto returns one photo record and where to display it.
func (a *AppServiceAdapter) GetPhoto(ctx context.Context, imageID string) (Photo, error) {
	if err := a.ready(); err != nil {
		return Photo{}, err
	}
	rec, err := a.service.GetPhoto(ctx, imageID)
	if err != nil {
		return Photo{}, mapAppError("get photo", err)
	}
	out := Photo{ImageID: strings.TrimSpace(imageID), Record: MapRecord(rec)}
	url, err := a.service.GetDisplayURL(ctx, out.ImageID)
	switch {
	case err == nil:
		out.DisplayURL = url
	case !errors.Is(err, app.ErrNotFound):
		return Photo{}, mapAppError("get photo", err)
	}
	return out, nil
}

// OpenPhoto opens the locally cached display rendition of one photo.
func (a *AppServiceAdapter) OpenPhoto(ctx context.Context, imageID string) (PhotoContent, error) {
	if err := a.ready(); err != nil {
		return PhotoContent{}, err
	}
	rc, meta, err := a.service.OpenBlob(ctx, strings.TrimSpace(imageID))
	if err != nil {
		return PhotoContent{}, mapAppError("open photo", err)
	}
	return PhotoContent{Body: rc, ContentType: meta.ContentType, Size: meta.Size}, nil
}

// Subscribe streams invalidation events matching filter until cancel runs.
func (a *AppServiceAdapter) Subscribe(filter EventFilter) (<-chan Event, func()) {
	if a.ready() != nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	events, cancel := a.service.Subscribe(toDomainFilter(filter))
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for evt := range events {
			out <- MapEvent(evt)
		}
	}()
	return out, cancel
}

// ChangesSince replays persisted change tokens after seq.
func (a *AppServiceAdapter) ChangesSince(ctx context.Context, seq int64, limit int) ([]Event, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	events, err := a.service.ChangesSince(ctx, seq, limit)
	if err != nil {
		return nil, mapAppError("changes since", err)
	}
	out := make([]Event, 0, len(events))
	for _, evt := range events {
		out = append(out, MapEvent(evt))
	}
	return out, nil
}

// MapRecord converts one cached record into its transport view.
func MapRecord(rec domain.LocalRecord) Record {
	payload := map[string]any(rec.Payload.Clone())
	return Record{
		LocalID:        rec.LocalID,
		ServerID:       rec.ServerID,
		EntityType:     string(rec.EntityType),
		SyncStatus:     string(rec.SyncStatus),
		LastError:      rec.LastError,
		ParentLocalID:  rec.ParentLocalID,
		ServiceLocalID: rec.ServiceLocalID,
		Payload:        payload,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// MapOperation converts one outbox entry into its transport view.
func MapOperation(op domain.Operation) Operation {
	return Operation{
		OpID:          op.OpID,
		Kind:          string(op.Kind),
		EntityType:    string(op.TargetEntityType),
		TargetLocalID: op.TargetLocalID,
		DependsOn:     op.DependsOnLocalID,
		State:         string(op.State),
		Attempt:       op.Attempt,
		LastError:     op.LastError,
		UpdatedAt:     op.UpdatedAt,
	}
}

// MapEvent converts one invalidation event into its transport view.
func MapEvent(evt domain.InvalidationEvent) Event {
	return Event{
		Seq:        evt.Seq,
		Kind:       string(evt.Kind),
		EntityType: string(evt.EntityType),
		ServiceID:  evt.ServiceLocalID,
		LocalID:    evt.LocalID,
		ServerID:   evt.ServerID,
		State:      evt.State,
		At:         evt.At,
	}
}

func mapDrain(report app.DrainReport) DrainSummary {
	out := DrainSummary{
		Dispatched: report.Dispatched,
		Succeeded:  report.Succeeded,
		Reconciled: report.Reconciled,
		Photos:     report.Photos,
		Skipped:    report.Skipped,
		Rejected:   report.Rejected,
		Transient:  report.Transient,
		Cancelled:  report.Cancelled,
		Remaining:  report.Remaining,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}
	if report.RetryIn > 0 {
		out.RetryIn = report.RetryIn.String()
	}
	return out
}

func mapRehydrate(res app.RehydrateResult) RehydrateResult {
	out := RehydrateResult{
		ServiceID: res.ServiceLocalID,
		Restored:  map[string]int{},
		Kept:      res.Kept,
		Success:   res.Success,
	}
	for entityType, n := range res.Restored {
		out.Restored[string(entityType)] = n
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func toDomainFilter(filter EventFilter) domain.EventFilter {
	out := domain.EventFilter{
		ServiceLocalID: strings.TrimSpace(filter.ServiceID),
		LocalID:        strings.TrimSpace(filter.LocalID),
	}
	for _, raw := range filter.EntityTypes {
		if entityType, err := domain.ParseEntityType(raw); err == nil {
			out.EntityTypes = append(out.EntityTypes, entityType)
		}
	}
	for _, raw := range filter.Kinds {
		if raw = strings.TrimSpace(strings.ToLower(raw)); raw != "" {
			out.Kinds = append(out.Kinds, domain.EventKind(raw))
		}
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func parseEntityType(raw string) (domain.EntityType, error) {
	entityType, err := domain.ParseEntityType(raw)
	if err != nil {
		return "", fmt.Errorf("entity type %q: %w", raw, errors.Join(ErrInvalidRequest, err))
	}
	return entityType, nil
}

// mapAppError maps app-layer failures onto transport error classes.
func mapAppError(operation string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, app.ErrNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, app.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidEntityType),
		errors.Is(err, domain.ErrInvalidOperation),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidBlob),
		errors.Is(err, domain.ErrInvalidSyncStatus):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	case errors.Is(err, app.ErrDrainInProgress),
		errors.Is(err, app.ErrRehydrationRequired),
		errors.Is(err, app.ErrServiceNotReady),
		errors.Is(err, app.ErrNotConfirmed),
		errors.Is(err, domain.ErrDuplicateCreate):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrConflict, err))
	case errors.Is(err, app.ErrOffline), errors.Is(err, app.ErrTransient):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrUnavailable, err))
	case errors.Is(err, app.ErrRejected):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrRejected, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
