package docserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/paksync/internal/remotestore"
)

// handleChanges streams one JSON change per websocket text message. The
// subscription starts before the handshake completes so a client that writes
// right after connecting sees its own change.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, store remotestore.Store, correlationID string) {
	if r.URL.Query().Get("feed") != "websocket" {
		writeError(w, http.StatusBadRequest, "bad_request", "only feed=websocket is supported", correlationID)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	changes, err := s.subscribe(ctx, store)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("change feed handshake failed", "error", err, "correlation_id", correlationID)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case change, ok := <-changes:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.logger.Debug("change feed write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) subscribe(ctx context.Context, store remotestore.Store) (<-chan remotestore.Change, error) {
	if source, ok := store.(remotestore.ChangeSource); ok {
		return source.Changes(ctx)
	}
	return pollChanges(ctx, store, s.cfg.PollInterval)
}

// pollChanges diffs successive listings of a store that cannot push changes.
func pollChanges(ctx context.Context, store remotestore.Store, interval time.Duration) (<-chan remotestore.Change, error) {
	refs, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	known := revisions(refs)
	out := make(chan remotestore.Change, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var seq int64
		emit := func(c remotestore.Change) bool {
			seq++
			c.Seq = seq
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			refs, err := store.List(ctx)
			if err != nil {
				continue
			}
			current := revisions(refs)
			for _, ref := range refs {
				if known[ref.ID] != ref.Revision {
					if !emit(remotestore.Change{ID: ref.ID, Revision: ref.Revision}) {
						return
					}
				}
			}
			for id, rev := range known {
				if _, ok := current[id]; !ok {
					if !emit(remotestore.Change{ID: id, Revision: rev, Deleted: true}) {
						return
					}
				}
			}
			known = current
		}
	}()
	return out, nil
}

func revisions(refs []remotestore.Ref) map[string]string {
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		out[ref.ID] = ref.Revision
	}
	return out
}
