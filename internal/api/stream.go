package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/remote"
)

const (
	handshakeTimeout = 10 * time.Second
	// StreamPongWait bounds how long a silent stream is trusted. The relay
	// pings well within it.
	StreamPongWait = 60 * time.Second
)

// SubscribeChanges opens a websocket change stream for one entity type,
// starting after position from.
func (c *Client) SubscribeChanges(ctx context.Context, entityType models.EntityType, from int64) (remote.Subscription, error) {
	sub, err := c.dial(ctx, entityType, from)
	if errors.Is(err, fault.ErrNotAuthenticated) && c.creds.Password != "" {
		if _, signErr := c.SignIn(ctx); signErr != nil {
			return nil, err
		}
		sub, err = c.dial(ctx, entityType, from)
	}
	return sub, err
}

func (c *Client) dial(ctx context.Context, entityType models.EntityType, from int64) (*stream, error) {
	endpoint, err := c.streamURL(entityType, from)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	c.setAuthHeader(header)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, classify(decodeError(resp))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Transient(fmt.Errorf("dial change stream: %w", err))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &stream{
		conn:    conn,
		batches: make(chan models.Batch),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (c *Client) streamURL(entityType models.EntityType, from int64) (string, error) {
	u, err := url.Parse(c.baseURL + changesPath(entityType))
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("from", strconv.FormatInt(from, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stream is a websocket-backed remote.Subscription.
type stream struct {
	conn    *websocket.Conn
	batches chan models.Batch
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *stream) Batches() <-chan models.Batch {
	return s.batches
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *stream) readLoop() {
	defer close(s.batches)

	_ = s.conn.SetReadDeadline(time.Now().Add(StreamPongWait))
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(StreamPongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var msg StreamMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.fail(fault.Transient(errors.New("change stream closed by relay")))
				} else {
					s.fail(fault.Transient(fmt.Errorf("read change stream: %w", err)))
				}
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(StreamPongWait))

		switch msg.Type {
		case StreamBatch:
			if msg.Batch == nil {
				continue
			}
			select {
			case s.batches <- *msg.Batch:
			case <-s.done:
				return
			}
		case StreamError:
			apiErr := &APIError{Status: http.StatusInternalServerError, Code: msg.Code, Message: msg.Error}
			if msg.Code == "unauthorized" {
				apiErr.Status = http.StatusUnauthorized
			}
			s.fail(classify(apiErr))
			return
		}
	}
}
