package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"recall/internal/auth"
	"recall/internal/store"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errMissingToken       = errors.New("missing bearer token")
	errInvalidSession     = errors.New("invalid or revoked session")
)

// AccountService registers accounts on first sign-in and manages device
// sessions backed by the relay store.
type AccountService struct {
	relay  *store.Relay
	hasher auth.Hasher
	newID  func() string

	// mu serializes registration so two first sign-ins for one username
	// resolve to one account.
	mu sync.Mutex
}

// SignInResult is a new device session.
type SignInResult struct {
	Account      *store.Account
	IsNewAccount bool
	Token        string
}

func NewAccountService(relay *store.Relay, hasher auth.Hasher) *AccountService {
	return &AccountService{relay: relay, hasher: hasher, newID: uuid.NewString}
}

// SignIn verifies the password, registering the username when it is new, and
// opens a session for deviceID.
func (a *AccountService) SignIn(ctx context.Context, username, password, deviceID string, now time.Time) (*SignInResult, error) {
	normalized, err := auth.NormalizeUsername(username)
	if err != nil {
		return nil, badRequestCode(err, ErrCodeInvalidUsername)
	}
	if password == "" {
		return nil, badRequestCode(errors.New("password is required"), ErrCodeInvalidPassword)
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, badRequest(errors.New("device_id is required"))
	}

	a.mu.Lock()
	account, err := a.relay.AccountByUsername(ctx, normalized)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	isNew := false
	if account == nil {
		hash, hashErr := a.hasher.Hash(password)
		if hashErr != nil {
			a.mu.Unlock()
			return nil, badRequestCode(hashErr, ErrCodeInvalidPassword)
		}
		account, err = a.relay.CreateAccount(ctx, a.newID(), normalized, hash, now)
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		isNew = true
	}
	a.mu.Unlock()

	if !isNew && !auth.VerifyPassword(account.PasswordHash, password) {
		return nil, errInvalidCredentials
	}

	token, err := auth.NewToken()
	if err != nil {
		return nil, err
	}
	if err := a.relay.CreateSession(ctx, auth.HashToken(token), account.ID, deviceID, now); err != nil {
		return nil, err
	}
	return &SignInResult{Account: account, IsNewAccount: isNew, Token: token}, nil
}

// Authenticate resolves a bearer token. ok is false for unknown or revoked
// tokens.
func (a *AccountService) Authenticate(ctx context.Context, token string) (session, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return session{}, false, nil
	}
	accountID, deviceID, ok, err := a.relay.SessionByTokenHash(ctx, auth.HashToken(token))
	if err != nil || !ok {
		return session{}, false, err
	}
	return session{AccountID: accountID, DeviceID: deviceID, Token: token}, true, nil
}

// Revoke ends the session behind token.
func (a *AccountService) Revoke(ctx context.Context, token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return a.relay.RevokeSession(ctx, auth.HashToken(token), now)
}
