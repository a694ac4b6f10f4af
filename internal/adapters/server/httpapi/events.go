package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hylla/fieldsync/internal/adapters/server/common"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 20 * time.Second
	defaultReplayPage = 500
)

// handleEvents serves GET `/events`. A websocket upgrade streams live invalidation
// events, first replaying persisted changes after `since` when given. A plain GET
// returns the replay page as JSON.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeUnavailable(w, "event")
		return
	}
	since, err := queryInt(r, "since", -1)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultReplayPage)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	if !isWebsocketUpgrade(r) {
		if since < 0 {
			since = 0
		}
		events, err := h.events.ChangesSince(r.Context(), since, int(limit))
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	// Subscribe before replaying so nothing committed during the replay is missed.
	filter := eventFilterFrom(r)
	events, cancel := h.events.Subscribe(filter.EventFilter)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	var lastSeq int64
	if since >= 0 {
		replay, err := h.events.ChangesSince(ctx, since, int(limit))
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "replay failed")
			return
		}
		for _, evt := range replay {
			if !filter.matches(evt) {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
			lastSeq = evt.Seq
		}
	}

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			// Replayed events are already sent; relayed events carry no seq.
			if evt.Seq != 0 && evt.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt common.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, evt)
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// eventQuery is the event filter decoded from query parameters.
type eventQuery struct {
	common.EventFilter
}

func eventFilterFrom(r *http.Request) eventQuery {
	q := r.URL.Query()
	return eventQuery{common.EventFilter{
		EntityTypes: splitList(q["type"]),
		Kinds:       splitList(q["kind"]),
		ServiceID:   strings.TrimSpace(q.Get("service")),
		LocalID:     strings.TrimSpace(q.Get("local_id")),
	}}
}

// matches applies the filter to replayed events, which bypass the live subscription.
func (f eventQuery) matches(evt common.Event) bool {
	if len(f.EntityTypes) > 0 && !containsFold(f.EntityTypes, evt.EntityType) {
		return false
	}
	if len(f.Kinds) > 0 && !containsFold(f.Kinds, evt.Kind) {
		return false
	}
	if f.ServiceID != "" && f.ServiceID != evt.ServiceID {
		return false
	}
	if f.LocalID != "" && f.LocalID != evt.LocalID {
		return false
	}
	return true
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
