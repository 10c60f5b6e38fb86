package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"recall/internal/fault"
	"recall/internal/models"
)

// relayMigrations is the schema of the replication relay database.
var relayMigrations = []Migration{
	{
		Version:     1,
		Description: "relay schema: accounts, sessions, entities, change log",
		SQL: `
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
  token_hash TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  device_id TEXT NOT NULL,
  created_at TEXT NOT NULL,
  revoked_at TEXT,
  FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS relay_entities (
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  fields_json TEXT NOT NULL,
  revision INTEGER NOT NULL,
  deleted INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS relay_changes (
  position INTEGER PRIMARY KEY AUTOINCREMENT,
  account_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  operation TEXT NOT NULL,
  revision INTEGER NOT NULL,
  fields_json TEXT,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS relay_applied (
  device_id TEXT NOT NULL,
  sequence INTEGER NOT NULL,
  account_id TEXT NOT NULL,
  revision INTEGER NOT NULL,
  position INTEGER NOT NULL,
  PRIMARY KEY (device_id, sequence)
);

CREATE TABLE IF NOT EXISTS relay_digests (
  account_id TEXT NOT NULL,
  sha256 TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  PRIMARY KEY (account_id, sha256)
);

CREATE INDEX IF NOT EXISTS idx_relay_changes_account_type ON relay_changes(account_id, entity_type, position);
CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions(account_id);
`,
	},
	{
		Version:     2,
		Description: "per-field write times; superseded fields on applied mutations",
		SQL: `
ALTER TABLE relay_entities ADD COLUMN field_times_json TEXT NOT NULL DEFAULT '{}';
ALTER TABLE relay_applied ADD COLUMN superseded_json TEXT;
`,
	},
}

// Relay persists the replication relay state.
type Relay struct {
	db *sql.DB
	mu sync.Mutex
}

// Account is a relay account.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// RelayResult is the outcome of applying one device mutation.
type RelayResult struct {
	Revision  int64
	Position  int64
	Duplicate bool
	// Changed is false when the mutation was acknowledged without altering
	// state, e.g. an older write losing to a newer one.
	Changed bool
	// Superseded holds the relay's current value for every field of the
	// mutation that lost to a newer write. A nil value means the field is
	// unset on the relay.
	Superseded map[string]any
}

// RelayChange is one row of the change log.
type RelayChange struct {
	Position   int64
	EntityType models.EntityType
	Change     models.Change
}

// OpenRelay opens the relay database and applies its migrations.
func OpenRelay(path string) (*Relay, error) {
	db, err := openDB(path, relayMigrations)
	if err != nil {
		return nil, err
	}
	return &Relay{db: db}, nil
}

// Close closes the relay database.
func (r *Relay) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CreateAccount registers a new account.
func (r *Relay) CreateAccount(ctx context.Context, id, username, passwordHash string, now time.Time) (*Account, error) {
	username = strings.TrimSpace(username)
	if id == "" || username == "" || passwordHash == "" {
		return nil, fmt.Errorf("id, username and password hash are required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)
	`, id, username, passwordHash, formatTime(now))
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, fmt.Errorf("username %q already exists", username)
		}
		return nil, fault.Storage("create account", err)
	}
	return &Account{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now.UTC()}, nil
}

// AccountByUsername returns the account, or nil when unknown.
func (r *Relay) AccountByUsername(ctx context.Context, username string) (*Account, error) {
	var a Account
	var createdAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM accounts WHERE username = ?
	`, username).Scan(&a.ID, &a.Username, &a.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage("get account", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateSession stores a session token hash for a device.
func (r *Relay) CreateSession(ctx context.Context, tokenHash, accountID, deviceID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, account_id, device_id, created_at) VALUES (?, ?, ?, ?)
	`, tokenHash, accountID, deviceID, formatTime(now))
	if err != nil {
		return fault.Storage("create session", err)
	}
	return nil
}

// SessionByTokenHash resolves an active session.
func (r *Relay) SessionByTokenHash(ctx context.Context, tokenHash string) (accountID, deviceID string, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT account_id, device_id FROM sessions WHERE token_hash = ? AND revoked_at IS NULL
	`, tokenHash).Scan(&accountID, &deviceID)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fault.Storage("get session", err)
	}
	return accountID, deviceID, true, nil
}

// RevokeSession marks a session as revoked.
func (r *Relay) RevokeSession(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL
	`, formatTime(now), tokenHash)
	if err != nil {
		return fault.Storage("revoke session", err)
	}
	return nil
}

type relayEntity struct {
	accountID  string
	fields     map[string]any
	fieldTimes map[string]time.Time
	revision   int64
	deleted    bool
	updatedAt  time.Time
}

// fieldTime is when field k was last written. Fields recorded before
// per-field times were kept fall back to the entity's write time.
func (e *relayEntity) fieldTime(k string) time.Time {
	if t, ok := e.fieldTimes[k]; ok {
		return t
	}
	if _, ok := e.fields[k]; ok {
		return e.updatedAt
	}
	return time.Time{}
}

// Apply applies one device mutation for an account. It is idempotent per
// (device, sequence): a replay returns the original result with Duplicate set.
func (r *Relay) Apply(ctx context.Context, accountID, deviceID string, e models.Entry, now time.Time) (res RelayResult, err error) {
	if err := e.Mutation().Validate(); err != nil {
		return res, fault.Reject("invalid_mutation", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fault.Storage("begin relay tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var supersededJSON sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT revision, position, superseded_json FROM relay_applied WHERE device_id = ? AND sequence = ?
	`, deviceID, e.Sequence).Scan(&res.Revision, &res.Position, &supersededJSON)
	if err == nil {
		res.Duplicate = true
		if supersededJSON.Valid && supersededJSON.String != "" {
			if err = json.Unmarshal([]byte(supersededJSON.String), &res.Superseded); err != nil {
				return res, fmt.Errorf("parse superseded fields: %w", err)
			}
		}
		err = tx.Commit()
		return res, err
	}
	if err != sql.ErrNoRows {
		return res, fault.Storage("lookup applied", err)
	}
	err = nil

	current, err := loadRelayEntity(ctx, tx, e.EntityType, e.EntityID)
	if err != nil {
		return res, err
	}
	if current != nil && current.accountID != accountID {
		return res, fault.Reject("foreign_owner", fmt.Sprintf("%s %s belongs to another account", e.EntityType, e.EntityID))
	}

	writeAt := mutationTime(e)
	var op models.Operation
	var fields, delta map[string]any
	var times map[string]time.Time
	updatedAt := writeAt

	switch e.Operation {
	case models.OpCreate, models.OpUpdate:
		if current != nil && current.deleted && e.Operation == models.OpUpdate {
			return res, fault.Reject("deleted", fmt.Sprintf("%s %s was deleted", e.EntityType, e.EntityID))
		}
		if current != nil && !current.deleted {
			if isImmutableType(e.EntityType) && !isBlobRename(e) {
				// Blob metadata and presence insert once; later writes are no-ops.
				res.Revision = current.revision
				break
			}
			// Last writer wins per field: only fields this write is newer
			// for are applied; the rest are reported back as superseded.
			fields, times, delta = current.fields, current.fieldTimes, map[string]any{}
			for k, v := range e.Payload {
				if writeAt.Before(current.fieldTime(k)) {
					if res.Superseded == nil {
						res.Superseded = map[string]any{}
					}
					res.Superseded[k] = current.fields[k]
					continue
				}
				delta[k] = v
				times[k] = writeAt
				if v == nil {
					delete(fields, k)
				} else {
					fields[k] = v
				}
			}
			if len(delta) == 0 {
				res.Revision = current.revision
				break
			}
			op = models.OpUpdate
			if current.updatedAt.After(updatedAt) {
				updatedAt = current.updatedAt
			}
		} else {
			fields, delta, op = cloneFields(e.Payload), e.Payload, models.OpCreate
			times = map[string]time.Time{}
			for k := range e.Payload {
				times[k] = writeAt
			}
		}
		if e.EntityType == models.EntityAssets && op == models.OpCreate {
			if err := claimDigest(ctx, tx, accountID, e.EntityID, fields); err != nil {
				return res, err
			}
		}
	case models.OpDelete:
		if current == nil || current.deleted {
			if current != nil {
				res.Revision = current.revision
			}
			break
		}
		op = models.OpDelete
		if e.EntityType == models.EntityAssets {
			if _, err := tx.ExecContext(ctx, `DELETE FROM relay_digests WHERE account_id = ? AND asset_id = ?`, accountID, e.EntityID); err != nil {
				return res, fault.Storage("release digest", err)
			}
		}
	}

	if op != "" {
		res.Changed = true
		res.Revision = 1
		if current != nil {
			res.Revision = current.revision + 1
		}
		if err := saveRelayEntity(ctx, tx, accountID, e.EntityType, e.EntityID, fields, times, res.Revision, op == models.OpDelete, updatedAt); err != nil {
			return res, err
		}
		res.Position, err = appendRelayChange(ctx, tx, accountID, e.EntityType, e.EntityID, op, res.Revision, delta, writeAt)
		if err != nil {
			return res, err
		}
	}

	var superseded any
	if len(res.Superseded) > 0 {
		data, err := json.Marshal(res.Superseded)
		if err != nil {
			return res, fmt.Errorf("encode superseded fields: %w", err)
		}
		superseded = string(data)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relay_applied (device_id, sequence, account_id, revision, position, superseded_json) VALUES (?, ?, ?, ?, ?, ?)
	`, deviceID, e.Sequence, accountID, res.Revision, res.Position, superseded)
	if err != nil {
		return res, fault.Storage("record applied", err)
	}
	if err = tx.Commit(); err != nil {
		return res, fault.Storage("commit relay tx", err)
	}
	return res, nil
}

// ChangesSince returns change log rows for an account and entity type with a
// position strictly greater than from.
func (r *Relay) ChangesSince(ctx context.Context, accountID string, entityType models.EntityType, from int64, limit int) ([]RelayChange, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT position, entity_id, operation, revision, fields_json, updated_at
		FROM relay_changes WHERE account_id = ? AND entity_type = ? AND position > ?
		ORDER BY position LIMIT ?
	`, accountID, string(entityType), from, limit)
	if err != nil {
		return nil, fault.Storage("list changes", err)
	}
	defer rows.Close()

	var out []RelayChange
	for rows.Next() {
		var rc RelayChange
		var op, updatedAt string
		var fieldsJSON sql.NullString
		if err := rows.Scan(&rc.Position, &rc.Change.EntityID, &op, &rc.Change.Revision, &fieldsJSON, &updatedAt); err != nil {
			return nil, fault.Storage("scan change", err)
		}
		rc.EntityType = entityType
		rc.Change.Operation = models.Operation(op)
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &rc.Change.Fields); err != nil {
				return nil, fmt.Errorf("parse change fields: %w", err)
			}
		}
		if rc.Change.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// EntityRevision returns the relay's revision of an entity, for diagnostics
// and tests.
func (r *Relay) EntityRevision(ctx context.Context, entityType models.EntityType, id string) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fault.Storage("begin read", err)
	}
	defer tx.Rollback()
	current, err := loadRelayEntity(ctx, tx, entityType, id)
	if err != nil || current == nil {
		return 0, false, err
	}
	return current.revision, current.deleted, nil
}

func loadRelayEntity(ctx context.Context, tx *sql.Tx, entityType models.EntityType, id string) (*relayEntity, error) {
	var ent relayEntity
	var fieldsJSON, timesJSON, updatedAt string
	var deleted int
	err := tx.QueryRowContext(ctx, `
		SELECT account_id, fields_json, field_times_json, revision, deleted, updated_at
		FROM relay_entities WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), id).Scan(&ent.accountID, &fieldsJSON, &timesJSON, &ent.revision, &deleted, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage("load entity", err)
	}
	ent.deleted = deleted != 0
	ent.fields = map[string]any{}
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &ent.fields); err != nil {
			return nil, fmt.Errorf("parse entity fields: %w", err)
		}
	}
	ent.fieldTimes = map[string]time.Time{}
	if timesJSON != "" {
		if err := json.Unmarshal([]byte(timesJSON), &ent.fieldTimes); err != nil {
			return nil, fmt.Errorf("parse field times: %w", err)
		}
	}
	if ent.updatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ent, nil
}

func saveRelayEntity(ctx context.Context, tx *sql.Tx, accountID string, entityType models.EntityType, id string, fields map[string]any, times map[string]time.Time, rev int64, deleted bool, at time.Time) error {
	if fields == nil {
		fields = map[string]any{}
	}
	if times == nil {
		times = map[string]time.Time{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}
	timesData, err := json.Marshal(times)
	if err != nil {
		return fmt.Errorf("encode field times: %w", err)
	}
	del := 0
	if deleted {
		del = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relay_entities (entity_type, entity_id, account_id, fields_json, field_times_json, revision, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			fields_json = excluded.fields_json,
			field_times_json = excluded.field_times_json,
			revision = excluded.revision,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, string(entityType), id, accountID, string(data), string(timesData), rev, del, formatTime(at))
	if err != nil {
		return fault.Storage("save entity", err)
	}
	return nil
}

func appendRelayChange(ctx context.Context, tx *sql.Tx, accountID string, entityType models.EntityType, id string, op models.Operation, rev int64, fields map[string]any, at time.Time) (int64, error) {
	var fieldsJSON any
	if len(fields) > 0 {
		data, err := json.Marshal(fields)
		if err != nil {
			return 0, fmt.Errorf("encode change: %w", err)
		}
		fieldsJSON = string(data)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO relay_changes (account_id, entity_type, entity_id, operation, revision, fields_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, accountID, string(entityType), id, string(op), rev, fieldsJSON, formatTime(at))
	if err != nil {
		return 0, fault.Storage("append change", err)
	}
	pos, err := res.LastInsertId()
	if err != nil {
		return 0, fault.Storage("append change", err)
	}
	return pos, nil
}

// claimDigest binds a digest to an asset id for the account, rejecting a
// second asset for the same content.
func claimDigest(ctx context.Context, tx *sql.Tx, accountID, assetID string, fields map[string]any) error {
	digest, _ := fields["sha256"].(string)
	if digest == "" {
		return fault.Reject("invalid_mutation", "asset create requires sha256")
	}
	var bound string
	err := tx.QueryRowContext(ctx, `
		SELECT asset_id FROM relay_digests WHERE account_id = ? AND sha256 = ?
	`, accountID, digest).Scan(&bound)
	if err == nil {
		if bound == assetID {
			return nil
		}
		return fault.Reject("digest_bound", fmt.Sprintf("digest %s is bound to asset %s", digest, bound))
	}
	if err != sql.ErrNoRows {
		return fault.Storage("lookup digest", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO relay_digests (account_id, sha256, asset_id) VALUES (?, ?, ?)
	`, accountID, digest, assetID); err != nil {
		return fault.Storage("bind digest", err)
	}
	return nil
}

func isImmutableType(t models.EntityType) bool {
	return t == models.EntityBlobsMeta || t == models.EntityDeviceBlobs
}

// isBlobRename reports whether e only changes a blob's catalog filename.
func isBlobRename(e models.Entry) bool {
	if e.EntityType != models.EntityBlobsMeta || e.Operation != models.OpUpdate || len(e.Payload) != 1 {
		return false
	}
	name, ok := e.Payload["filename"].(string)
	return ok && strings.TrimSpace(name) != ""
}

// mutationTime is the client-side write time used for last-writer-wins.
func mutationTime(e models.Entry) time.Time {
	switch raw := e.Payload["updated_at"].(type) {
	case time.Time:
		return raw.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
	}
	if e.EnqueuedAt.IsZero() {
		return time.Now().UTC()
	}
	return e.EnqueuedAt.UTC()
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
