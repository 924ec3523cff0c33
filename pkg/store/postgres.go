// Package store provides the PostgreSQL persistence layer for users,
// redemption codes, usage logs and history records.
//
// Quota consumption uses a conditional UPDATE so the check and the
// decrement commit as one statement; redemption uses a transaction with
// SELECT FOR UPDATE so a code can be spent exactly once.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned on unique-constraint violations.
	ErrDuplicate = errors.New("already exists")

	// ErrQuotaInsufficient is returned when remaining quota cannot cover a consume.
	ErrQuotaInsufficient = errors.New("quota insufficient")

	// ErrCodeInvalid is returned for unknown or already-used redemption codes.
	ErrCodeInvalid = errors.New("code invalid or already used")

	// ErrInvalidAmount is returned for negative consume counts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres implements the control-plane store on PostgreSQL.
type Postgres struct {
	db  DB
	log zerolog.Logger
}

// New wraps an existing pool or mock.
func New(db DB, log zerolog.Logger) *Postgres {
	return &Postgres{db: db, log: log}
}

// Connect opens a pgx pool, verifies the connection and applies the schema.
func Connect(ctx context.Context, url string, log zerolog.Logger) (*Postgres, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := New(pool, log)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// InitSchema applies the idempotent DDL in schema.sql.
func (s *Postgres) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const userColumns = `id, username, password_digest, role, quota, used, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordDigest, &u.Role, &u.Quota, &u.Used, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new account with used=0.
func (s *Postgres) CreateUser(ctx context.Context, username, passwordDigest, role string, quota int) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (username, password_digest, role, quota, used, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, now(), now())
			RETURNING id`,
		username, passwordDigest, role, quota).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// GetUserByUsername returns the account with the given username.
func (s *Postgres) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// GetUserByID returns the account with the given id.
func (s *Postgres) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// ListUsers returns all accounts ordered by id.
func (s *Postgres) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordDigest, &u.Role, &u.Quota, &u.Used, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser partially updates quota and/or password digest. updated_at
// is always bumped.
func (s *Postgres) UpdateUser(ctx context.Context, id int64, quota *int, passwordDigest *string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET
			quota = COALESCE($1, quota),
			password_digest = COALESCE($2, password_digest),
			updated_at = now()
		WHERE id = $3`,
		quota, passwordDigest, id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePasswordDigest rewrites only the stored digest, preserving
// updated_at. Used for transparent legacy-digest upgrades on login.
func (s *Postgres) UpdatePasswordDigest(ctx context.Context, id int64, digest string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET password_digest = $1 WHERE id = $2`, digest, id)
	if err != nil {
		return fmt.Errorf("failed to update digest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser hard-deletes an account, cascading its history and usage
// log rows in the same transaction.
func (s *Postgres) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM usage_logs WHERE user_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete usage logs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM history_records WHERE user_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// Quota returns the current quota counters for a user.
func (s *Postgres) Quota(ctx context.Context, userID int64) (quota, used int, err error) {
	err = s.db.QueryRow(ctx,
		`SELECT quota, used FROM users WHERE id = $1`, userID).Scan(&quota, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read quota: %w", err)
	}
	return quota, used, nil
}

// ConsumeQuota atomically checks and debits count credits. count=0 is a
// no-op that reports the current remaining. Two concurrent consumes of
// the last credit yield exactly one success.
func (s *Postgres) ConsumeQuota(ctx context.Context, userID int64, count int) (remaining int, err error) {
	if count < 0 {
		return 0, ErrInvalidAmount
	}
	if count > 0 {
		tag, err := s.db.Exec(ctx,
			`UPDATE users SET used = used + $1, updated_at = now()
				WHERE id = $2 AND quota - used >= $1`,
			count, userID)
		if err != nil {
			return 0, fmt.Errorf("failed to consume quota: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrQuotaInsufficient
		}
	}
	quota, used, err := s.Quota(ctx, userID)
	if err != nil {
		return 0, err
	}
	return quota - used, nil
}

// Redeem spends a code and credits its quota to the user in one
// transaction. A concurrent second redemption of the same code fails
// with ErrCodeInvalid.
func (s *Postgres) Redeem(ctx context.Context, userID int64, username, code string) (credited int, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var codeID int64
	err = tx.QueryRow(ctx,
		`SELECT id, quota FROM redeem_codes WHERE code = $1 AND used = FALSE FOR UPDATE`,
		code).Scan(&codeID, &credited)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrCodeInvalid
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock code: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE redeem_codes SET used = TRUE, used_by = $1, used_at = now() WHERE id = $2`,
		username, codeID); err != nil {
		return 0, fmt.Errorf("failed to mark code used: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET quota = quota + $1, updated_at = now() WHERE id = $2`,
		credited, userID); err != nil {
		return 0, fmt.Errorf("failed to credit quota: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit redeem: %w", err)
	}
	return credited, nil
}

// CreateCodes mints count single-use codes worth quota each. Collisions
// with the unique index are retried with a fresh code.
func (s *Postgres) CreateCodes(ctx context.Context, count, quota int) ([]string, error) {
	codes := make([]string, 0, count)
	for range count {
		var code string
		for attempt := 0; ; attempt++ {
			c, err := GenerateCode()
			if err != nil {
				return nil, err
			}
			_, err = s.db.Exec(ctx,
				`INSERT INTO redeem_codes (code, quota, used, created_at) VALUES ($1, $2, FALSE, now())`,
				c, quota)
			if isUniqueViolation(err) {
				if attempt >= 5 {
					return nil, fmt.Errorf("failed to mint unique code: %w", ErrDuplicate)
				}
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to insert code: %w", err)
			}
			code = c
			break
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// ListCodes returns all redemption codes, newest first.
func (s *Postgres) ListCodes(ctx context.Context) ([]RedeemCode, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, code, quota, used, used_by, used_at, created_at
			FROM redeem_codes ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list codes: %w", err)
	}
	defer rows.Close()

	var codes []RedeemCode
	for rows.Next() {
		var c RedeemCode
		if err := rows.Scan(&c.ID, &c.Code, &c.Quota, &c.Used, &c.UsedBy, &c.UsedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan code: %w", err)
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// AddHistory appends a history record. Options and ref images are
// stored as JSON strings.
func (s *Postgres) AddHistory(ctx context.Context, userID int64, prompt, imageURL string, options GenerateOptions, refImages []string) error {
	optJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	if refImages == nil {
		refImages = []string{}
	}
	refJSON, err := json.Marshal(refImages)
	if err != nil {
		return fmt.Errorf("failed to encode ref images: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO history_records (user_id, prompt, image_url, options, ref_images, created_at)
			VALUES ($1, $2, $3, $4, $5, now())`,
		userID, prompt, imageURL, string(optJSON), string(refJSON)); err != nil {
		return fmt.Errorf("failed to add history: %w", err)
	}
	return nil
}

// ListHistory returns the caller's history, newest first.
func (s *Postgres) ListHistory(ctx context.Context, userID int64, limit, offset int) ([]HistoryRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, prompt, image_url, options, ref_images, created_at
			FROM history_records
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var (
			rec     HistoryRecord
			optRaw  string
			refsRaw string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Prompt, &rec.ImageURL, &optRaw, &refsRaw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(optRaw), &rec.Options); err != nil {
			s.log.Warn().Int64("id", rec.ID).Err(err).Msg("unparseable history options")
		}
		if err := json.Unmarshal([]byte(refsRaw), &rec.RefImages); err != nil {
			s.log.Warn().Int64("id", rec.ID).Err(err).Msg("unparseable history ref images")
		}
		if rec.RefImages == nil {
			rec.RefImages = []string{}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteHistory removes a record only when owned by userID.
func (s *Postgres) DeleteHistory(ctx context.Context, userID, id int64) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM history_records WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LogUsage appends a usage log row. Failures are logged, not surfaced:
// the log is an audit trail, not part of any handler contract.
func (s *Postgres) LogUsage(ctx context.Context, userID int64, action, detail string) {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO usage_logs (user_id, action, detail, created_at) VALUES ($1, $2, $3, now())`,
		userID, action, detail); err != nil {
		s.log.Warn().Int64("user_id", userID).Str("action", action).Err(err).Msg("usage log write failed")
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
