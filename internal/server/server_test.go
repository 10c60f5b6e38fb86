package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"recall/internal/api"
	"recall/internal/auth"
	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/store"
)

func TestListenAddrRemoteGuard(t *testing.T) {
	t.Run("allows loopback", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "")
		addr, err := ListenAddr("http://127.0.0.1:7433")
		if err != nil {
			t.Fatalf("expected loopback to be allowed, got error: %v", err)
		}
		if addr != "127.0.0.1:7433" {
			t.Fatalf("unexpected addr: %s", addr)
		}
	})

	t.Run("blocks non-loopback by default", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "")
		_, err := ListenAddr("http://0.0.0.0:7433")
		if err == nil {
			t.Fatal("expected error for non-loopback listen host")
		}
	})

	t.Run("allows non-loopback when explicitly enabled", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "true")
		addr, err := ListenAddr("http://0.0.0.0:7433")
		if err != nil {
			t.Fatalf("expected allow-remote to permit host, got error: %v", err)
		}
		if addr != "0.0.0.0:7433" {
			t.Fatalf("unexpected addr: %s", addr)
		}
	})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	relay, err := store.OpenRelay(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open relay: %v", err)
	}
	t.Cleanup(func() { _ = relay.Close() })
	srv := New("127.0.0.1:0", relay, Options{
		Hasher:       auth.Hasher{Cost: bcrypt.MinCost},
		PingInterval: time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func signIn(t *testing.T, h http.Handler, username, deviceID string) api.SignInResponse {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/v1/auth/signin", "", api.SignInRequest{
		Username: username, Password: "password-123", DeviceID: deviceID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected sign in 200, got %d (%s)", w.Code, w.Body.String())
	}
	var resp api.SignInResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode sign in: %v", err)
	}
	return resp
}

func TestWithAuth(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	t.Run("denies missing auth", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/v1/mutations", "", api.MutationRequest{})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if errResp.ErrorCode != ErrCodeUnauthorized {
			t.Fatalf("expected error_code %d, got %d", ErrCodeUnauthorized, errResp.ErrorCode)
		}
	})

	t.Run("denies unknown token", func(t *testing.T) {
		w := doJSON(t, h, http.MethodGet, "/v1/changes/works", "bogus", nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("allows a session token", func(t *testing.T) {
		resp := signIn(t, h, "ada", "dev-1")
		w := doJSON(t, h, http.MethodGet, "/v1/changes/works", resp.Token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
		}
	})
}

func TestMutationsAndChanges(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	sess := signIn(t, h, "ada", "dev-1")

	entry := models.Entry{
		Sequence: 1, DeviceID: "dev-1", EntityType: models.EntityWorks, EntityID: "w1",
		Operation: models.OpCreate, Payload: map[string]any{"title": "Dune"},
		EnqueuedAt: time.Now().UTC(),
	}
	w := doJSON(t, h, http.MethodPost, "/v1/mutations", sess.Token, api.MutationRequest{Entry: entry})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var ack api.MutationResponse
	_ = json.Unmarshal(w.Body.Bytes(), &ack)
	if ack.Revision != 1 || ack.Position == 0 || ack.Duplicate {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	w = doJSON(t, h, http.MethodPost, "/v1/mutations", sess.Token, api.MutationRequest{Entry: entry})
	var replay api.MutationResponse
	_ = json.Unmarshal(w.Body.Bytes(), &replay)
	if !replay.Duplicate || replay.Revision != ack.Revision || replay.Position != ack.Position {
		t.Fatalf("expected duplicate replay of %+v, got %+v", ack, replay)
	}

	stale := entry
	stale.Sequence, stale.Operation = 2, models.OpUpdate
	stale.Payload = map[string]any{"title": "Dune Messiah"}
	stale.EnqueuedAt = entry.EnqueuedAt.Add(-time.Hour)
	w = doJSON(t, h, http.MethodPost, "/v1/mutations", sess.Token, api.MutationRequest{Entry: stale})
	var kept api.MutationResponse
	_ = json.Unmarshal(w.Body.Bytes(), &kept)
	if w.Code != http.StatusOK || kept.Superseded["title"] != "Dune" || kept.Revision != ack.Revision {
		t.Fatalf("expected stale title to be superseded, got %d %+v", w.Code, kept)
	}

	w = doJSON(t, h, http.MethodGet, "/v1/changes/works?from=0", sess.Token, nil)
	var changes api.ChangesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &changes); err != nil {
		t.Fatalf("decode changes: %v", err)
	}
	if len(changes.Batches) != 1 || changes.Batches[0].Position != ack.Position {
		t.Fatalf("unexpected batches: %+v", changes.Batches)
	}
	if got := changes.Batches[0].Changes[0]; got.EntityID != "w1" || got.Fields["title"] != "Dune" {
		t.Fatalf("unexpected change: %+v", got)
	}

	w = doJSON(t, h, http.MethodGet, "/v1/changes/works?from=0", signIn(t, h, "bob", "dev-2").Token, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &changes)
	if len(changes.Batches) != 0 {
		t.Fatalf("expected other accounts to see nothing, got %+v", changes.Batches)
	}
}

func TestMutationRejections(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ada := signIn(t, h, "ada", "dev-1")
	bob := signIn(t, h, "bob", "dev-2")

	create := models.Entry{Sequence: 1, DeviceID: "dev-1", EntityType: models.EntityWorks, EntityID: "w1",
		Operation: models.OpCreate, Payload: map[string]any{"title": "Dune"}}
	if w := doJSON(t, h, http.MethodPost, "/v1/mutations", ada.Token, api.MutationRequest{Entry: create}); w.Code != http.StatusOK {
		t.Fatalf("create: %d (%s)", w.Code, w.Body.String())
	}

	steal := models.Entry{Sequence: 1, DeviceID: "dev-2", EntityType: models.EntityWorks, EntityID: "w1",
		Operation: models.OpUpdate, Payload: map[string]any{"title": "Mine"}}
	w := doJSON(t, h, http.MethodPost, "/v1/mutations", bob.Token, api.MutationRequest{Entry: steal})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", w.Code, w.Body.String())
	}
	var errResp api.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp.Code != "foreign_owner" || errResp.ErrorCode != ErrCodeRejected {
		t.Fatalf("unexpected rejection body: %+v", errResp)
	}

	spoof := create
	spoof.Sequence = 2
	spoof.DeviceID = "dev-9"
	if w := doJSON(t, h, http.MethodPost, "/v1/mutations", ada.Token, api.MutationRequest{Entry: spoof}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected device mismatch 400, got %d", w.Code)
	}
}

func TestChangesValidation(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	sess := signIn(t, h, "ada", "dev-1")

	for _, path := range []string{
		"/v1/changes/nope",
		"/v1/changes/works?from=-1",
		"/v1/changes/works?limit=0",
	} {
		if w := doJSON(t, h, http.MethodGet, path, sess.Token, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestChangeStreamDeliversBacklogAndLiveChanges(t *testing.T) {
	t.Setenv("RECALL_API_TOKEN", "")
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client, err := api.NewClient(ts.URL, api.Credentials{Username: "ada", Password: "password-123", DeviceID: "dev-1"}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.SignIn(ctx); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	send := func(seq int64, id string) {
		t.Helper()
		_, err := client.SendMutation(ctx, models.Entry{Sequence: seq, DeviceID: "dev-1", EntityType: models.EntityWorks,
			EntityID: id, Operation: models.OpCreate, Payload: map[string]any{"title": id}})
		if err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}
	send(1, "w1")

	sub, err := client.SubscribeChanges(ctx, models.EntityWorks, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	next := func() models.Batch {
		t.Helper()
		select {
		case b, ok := <-sub.Batches():
			if !ok {
				t.Fatalf("stream ended: %v", sub.Err())
			}
			return b
		case <-ctx.Done():
			t.Fatal("timed out waiting for batch")
		}
		return models.Batch{}
	}
	if b := next(); b.Changes[0].EntityID != "w1" {
		t.Fatalf("expected backlog w1, got %+v", b)
	}
	send(2, "w2")
	if b := next(); b.Changes[0].EntityID != "w2" {
		t.Fatalf("expected live w2, got %+v", b)
	}

	srv.Close()
	select {
	case _, ok := <-sub.Batches():
		if ok {
			t.Fatal("expected stream to end on shutdown")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for shutdown")
	}
	if !fault.IsTransient(sub.Err()) {
		t.Fatalf("expected transient end of stream, got %v", sub.Err())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", w.Code)
	}
	var health api.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil || health.Status != "ok" {
		t.Fatalf("unexpected health response %q (%v)", w.Body.String(), err)
	}

	signIn(t, h, "ada", "dev-1")
	w = doJSON(t, h, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`recall_relay_request_duration_seconds_count{route="POST /v1/auth/signin",status="2xx"}`)) {
		t.Fatalf("expected sign in latency in metrics output")
	}
}
