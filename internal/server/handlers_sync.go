package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"recall/internal/api"
	"recall/internal/fault"
	"recall/internal/metrics"
	"recall/internal/models"
	"recall/internal/store"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
	streamPageSize      = 200
	streamWriteWait     = 10 * time.Second
)

// changeTopic names the hub topic woken when an account's entity type
// changes.
func changeTopic(accountID string, entityType models.EntityType) string {
	return "account/" + accountID + "/" + string(entityType)
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	var req api.MutationRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}
	entry := req.Entry
	if entry.DeviceID != "" && entry.DeviceID != sess.DeviceID {
		s.writeErrorReq(w, r, http.StatusBadRequest,
			badRequestCode(fmt.Errorf("entry device %q does not match session", entry.DeviceID), ErrCodeDeviceMismatch))
		return
	}

	res, err := s.relay.Apply(r.Context(), sess.AccountID, sess.DeviceID, entry, time.Now().UTC())
	if err != nil {
		var re *fault.RejectionError
		if errors.As(err, &re) {
			metrics.RelayMutations.WithLabelValues(metrics.ResultRejected).Inc()
			s.writeErrorReq(w, r, http.StatusConflict, rejected(re))
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	switch {
	case res.Duplicate:
		metrics.RelayMutations.WithLabelValues(metrics.ResultDuplicate).Inc()
	default:
		metrics.RelayMutations.WithLabelValues(metrics.ResultAcked).Inc()
	}
	if res.Changed {
		s.hub.Publish(changeTopic(sess.AccountID, entry.EntityType))
	}
	s.writeJSON(w, http.StatusOK, api.MutationResponse{
		Revision:   res.Revision,
		Position:   res.Position,
		Duplicate:  res.Duplicate,
		Superseded: res.Superseded,
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromContext(r.Context())
	entityType := models.EntityType(r.PathValue("entityType"))
	if !models.IsValidEntityType(entityType) {
		s.writeErrorReq(w, r, http.StatusBadRequest,
			badRequestCode(fmt.Errorf("invalid entity type: %q", entityType), ErrCodeInvalidEntityType))
		return
	}
	from, err := parseNonNegative(r.URL.Query().Get("from"), 0)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("from: %w", err), ErrCodeInvalidPosition))
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.streamChanges(w, r, sess, entityType, from)
		return
	}

	limit, err := parseNonNegative(r.URL.Query().Get("limit"), defaultChangesLimit)
	if err != nil || limit == 0 {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequest(fmt.Errorf("limit must be a positive integer")))
		return
	}
	limit = min(limit, maxChangesLimit)

	changes, err := s.relay.ChangesSince(r.Context(), sess.AccountID, entityType, from, int(limit))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ChangesResponse{Batches: toBatches(changes)})
}

// streamChanges sends the backlog after from, then every new change as the
// hub signals it, until the client goes away or the server closes.
func (s *Server) streamChanges(w http.ResponseWriter, r *http.Request, sess session, entityType models.EntityType, from int64) {
	if !s.acquireLimiter(s.streamLimiter, w, r, "stream") {
		return
	}
	defer s.releaseLimiter(s.streamLimiter)

	// Subscribe before reading the backlog so no commit falls between them.
	wake := make(chan struct{}, 1)
	unsubscribe := s.hub.Subscribe(changeTopic(sess.AccountID, entityType), func(string) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.log().Debug("change stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.RelaySubscribers.Inc()
	defer metrics.RelaySubscribers.Dec()
	log := s.log().With("account_id", sess.AccountID, "device_id", sess.DeviceID, "entity_type", entityType)
	log.Debug("change stream opened", "from", from)

	closed := make(chan struct{})
	go readUntilClosed(conn, s.pingInterval*2, closed)

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	ctx := context.WithoutCancel(r.Context())
	cursor, err := s.sendBacklog(ctx, conn, sess.AccountID, entityType, from)
	for err == nil {
		select {
		case <-closed:
			log.Debug("change stream closed by client", "cursor", cursor)
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-ticker.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
		case <-wake:
			cursor, err = s.sendBacklog(ctx, conn, sess.AccountID, entityType, cursor)
		}
	}

	if fault.IsStorage(err) {
		log.Error("change stream failed", "cursor", cursor, "error", err)
		_ = writeStream(conn, api.StreamMessage{Type: api.StreamError, Error: "internal error", Code: "internal"})
		return
	}
	log.Debug("change stream write failed", "cursor", cursor, "error", err)
}

// sendBacklog writes every change after cursor and returns the new cursor.
func (s *Server) sendBacklog(ctx context.Context, conn *websocket.Conn, accountID string, entityType models.EntityType, cursor int64) (int64, error) {
	for {
		changes, err := s.relay.ChangesSince(ctx, accountID, entityType, cursor, streamPageSize)
		if err != nil {
			return cursor, err
		}
		for _, batch := range toBatches(changes) {
			if err := writeStream(conn, api.StreamMessage{Type: api.StreamBatch, Batch: &batch}); err != nil {
				return cursor, err
			}
			cursor = batch.Position
		}
		if len(changes) < streamPageSize {
			return cursor, nil
		}
	}
}

func writeStream(conn *websocket.Conn, msg api.StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// readUntilClosed drains client frames so control messages are processed,
// and closes done when the connection ends or goes silent past wait.
func readUntilClosed(conn *websocket.Conn, wait time.Duration, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// toBatches turns change log rows into single-change batches positioned at
// their log position.
func toBatches(changes []store.RelayChange) []models.Batch {
	out := make([]models.Batch, 0, len(changes))
	for _, c := range changes {
		out = append(out, models.Batch{
			EntityType: c.EntityType,
			Position:   c.Position,
			Changes:    []models.Change{c.Change},
		})
	}
	return out
}

func parseNonNegative(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("expected a non-negative integer, got %q", raw)
	}
	return n, nil
}
