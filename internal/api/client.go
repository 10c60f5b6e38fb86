package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"recall/internal/fault"
	"recall/internal/models"
	"recall/internal/remote"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	httpTimeoutEnvKey  = "RECALL_HTTP_TIMEOUT"
	signInPath         = "/v1/auth/signin"
)

// Credentials identify the user and device against the relay.
type Credentials struct {
	Username string
	Password string
	DeviceID string
}

// Client talks to the recall relay. It implements remote.Channel,
// remote.Puller and remote.AccountService.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	tokens  *TokenStore

	mu    sync.Mutex
	token string
}

var (
	_ remote.Channel        = (*Client)(nil)
	_ remote.Puller         = (*Client)(nil)
	_ remote.AccountService = (*Client)(nil)
)

// NewClient creates a new API client. A saved token is picked up from tokens.
func NewClient(baseURL string, creds Credentials, tokens *TokenStore) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	if tokens == nil {
		tokens = NewTokenStore("")
	}
	token, err := tokens.Load()
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: httpTimeoutFromEnv()},
		creds:   creds,
		tokens:  tokens,
		token:   token,
	}, nil
}

// Ping checks whether the relay is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// SignIn authenticates with the configured credentials and stores the
// session token.
func (c *Client) SignIn(ctx context.Context) (remote.SignInResult, error) {
	if strings.TrimSpace(c.creds.Username) == "" {
		return remote.SignInResult{}, fmt.Errorf("username is required")
	}
	if c.creds.Password == "" {
		return remote.SignInResult{}, fmt.Errorf("password is required")
	}
	req := SignInRequest{Username: c.creds.Username, Password: c.creds.Password, DeviceID: c.creds.DeviceID}
	var resp SignInResponse
	if err := c.doOnce(ctx, http.MethodPost, signInPath, nil, req, &resp); err != nil {
		return remote.SignInResult{}, err
	}
	if resp.Token == "" {
		return remote.SignInResult{}, fmt.Errorf("sign in: relay returned no token")
	}
	c.setToken(resp.Token)
	if err := c.tokens.Save(resp.Token); err != nil {
		return remote.SignInResult{}, err
	}
	return remote.SignInResult{AccountID: resp.AccountID, IsNewAccount: resp.IsNewAccount}, nil
}

// SignOut revokes the session on the relay. The local token is cleared even
// when the relay cannot be reached.
func (c *Client) SignOut(ctx context.Context) error {
	var err error
	if c.currentToken() != "" {
		err = c.doOnce(ctx, http.MethodPost, "/v1/auth/signout", nil, nil, nil)
	}
	c.setToken("")
	if clearErr := c.tokens.Clear(); clearErr != nil && err == nil {
		err = clearErr
	}
	return err
}

// SendMutation submits one buffered entry.
func (c *Client) SendMutation(ctx context.Context, e models.Entry) (remote.Ack, error) {
	var resp MutationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/mutations", nil, MutationRequest{Entry: e}, &resp); err != nil {
		return remote.Ack{}, err
	}
	return remote.Ack{
		Revision:   resp.Revision,
		Position:   resp.Position,
		Duplicate:  resp.Duplicate,
		Superseded: resp.Superseded,
	}, nil
}

// PullChanges fetches up to limit batches after position from.
func (c *Client) PullChanges(ctx context.Context, entityType models.EntityType, from int64, limit int) ([]models.Batch, error) {
	query := url.Values{}
	query.Set("from", strconv.FormatInt(from, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp ChangesResponse
	if err := c.do(ctx, http.MethodGet, changesPath(entityType), query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

func changesPath(entityType models.EntityType) string {
	return "/v1/changes/" + url.PathEscape(string(entityType))
}

// do runs a request, signing in again once when the session has expired.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	err := c.doOnce(ctx, method, path, query, body, out)
	if !errors.Is(err, fault.ErrNotAuthenticated) || c.creds.Password == "" {
		return err
	}
	if _, signErr := c.SignIn(ctx); signErr != nil {
		return err
	}
	return c.doOnce(ctx, method, path, query, body, out)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeader(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classify(decodeError(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Transient(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		apiErr.Code = errResp.Code
		apiErr.ErrorCode = errResp.ErrorCode
		apiErr.Message = errResp.Error
		return apiErr
	}
	apiErr.Message = "api error: " + resp.Status
	return apiErr
}

func (c *Client) setAuthHeader(h http.Header) {
	token := c.currentToken()
	if token == "" || h == nil {
		return
	}
	h.Set("Authorization", "Bearer "+token)
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}
