package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/echoscribe/echoscribe/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicateActive is returned when an insert would create a second
// non-terminal meeting for the same (account, platform, native id) tuple.
var ErrDuplicateActive = errors.New("another non-terminal meeting exists for this tuple")

// Store holds hand-written queries over the meeting schema.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an open connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const meetingColumns = `id, account_id, platform, native_meeting_id, status,
	workload_handle, start_time, end_time, data, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeeting(row rowScanner) (*model.Meeting, error) {
	var (
		m        model.Meeting
		nativeID sql.NullString
		start    sql.NullTime
		end      sql.NullTime
		status   string
		data     []byte
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.Platform, &nativeID, &status,
		&m.WorkloadHandle, &start, &end, &data, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Status = model.MeetingStatus(status)
	m.NativeMeetingID = nativeID.String
	if start.Valid {
		m.StartTime = &start.Time
	}
	if end.Valid {
		m.EndTime = &end.Time
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m.Data); err != nil {
			return nil, fmt.Errorf("decode meeting %d data: %w", m.ID, err)
		}
	}
	return &m, nil
}

// GetAccountByAPIKey resolves an API key to an enabled account.
func (s *Store) GetAccountByAPIKey(ctx context.Context, apiKey string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, api_key, api_secret, webhook_url, webhook_secret,
		       max_concurrent_bots, enabled, created_at
		FROM accounts WHERE api_key = $1`, apiKey)

	var a model.Account
	err := row.Scan(&a.ID, &a.APIKey, &a.APISecret, &a.WebhookURL, &a.WebhookSecret,
		&a.MaxConcurrentBots, &a.Enabled, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccountByID fetches one account row.
func (s *Store) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, api_key, api_secret, webhook_url, webhook_secret,
		       max_concurrent_bots, enabled, created_at
		FROM accounts WHERE id = $1`, id)

	var a model.Account
	err := row.Scan(&a.ID, &a.APIKey, &a.APISecret, &a.WebhookURL, &a.WebhookSecret,
		&a.MaxConcurrentBots, &a.Enabled, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateMeeting inserts a new meeting attempt and returns it with its id set.
func (s *Store) CreateMeeting(ctx context.Context, m *model.Meeting) error {
	data, err := m.Data.Value()
	if err != nil {
		return fmt.Errorf("encode meeting data: %w", err)
	}
	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO meetings (account_id, platform, native_meeting_id, status,
			workload_handle, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id, created_at, updated_at`,
		m.AccountID, m.Platform, m.NativeMeetingID, string(m.Status),
		m.WorkloadHandle, data, now,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicateActive
	}
	return err
}

// GetMeetingByID fetches one meeting row.
func (s *Store) GetMeetingByID(ctx context.Context, id int64) (*model.Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	return scanMeeting(row)
}

// GetMeetingForAccount fetches one meeting row scoped to an account.
func (s *Store) GetMeetingForAccount(ctx context.Context, accountID, id int64) (*model.Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1 AND account_id = $2`,
		id, accountID)
	return scanMeeting(row)
}

// FindActiveMeeting finds the account's current non-terminal attempt for a
// platform meeting, if any.
func (s *Store) FindActiveMeeting(ctx context.Context, accountID int64, platform, nativeID string) (*model.Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE account_id = $1 AND platform = $2 AND native_meeting_id = $3
		  AND status NOT IN ('completed', 'failed')
		ORDER BY created_at DESC LIMIT 1`,
		accountID, platform, nativeID)
	return scanMeeting(row)
}

// FindLatestMeeting finds the account's most recent attempt for a platform
// meeting regardless of status. Purged meetings have the raw native id
// scrubbed and match on its digest instead.
func (s *Store) FindLatestMeeting(ctx context.Context, accountID int64, platform, nativeID string) (*model.Meeting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE account_id = $1 AND platform = $2
		  AND (native_meeting_id = $3
		       OR (native_meeting_id IS NULL AND data->>'native_id_digest' = $4))
		ORDER BY created_at DESC LIMIT 1`,
		accountID, platform, nativeID, model.NativeIDDigest(platform, nativeID))
	return scanMeeting(row)
}

// CountActiveMeetings counts the account's non-terminal attempts, for the
// concurrency limit check.
func (s *Store) CountActiveMeetings(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM meetings
		WHERE account_id = $1 AND status NOT IN ('completed', 'failed')`,
		accountID).Scan(&n)
	return n, err
}

// ListActiveMeetings returns the account's non-terminal attempts, newest first.
func (s *Store) ListActiveMeetings(ctx context.Context, accountID int64) ([]*model.Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE account_id = $1 AND status NOT IN ('completed', 'failed')
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMeetings(rows)
}

// ListMeetings returns all the account's meetings, newest first.
func (s *Store) ListMeetings(ctx context.Context, accountID int64) ([]*model.Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMeetings(rows)
}

// ListOrphanCandidates returns non-terminal meetings whose last update is
// older than grace and younger than maxAge, for the reconciler sweep.
func (s *Store) ListOrphanCandidates(ctx context.Context, grace, maxAge time.Duration) ([]*model.Meeting, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE status NOT IN ('completed', 'failed')
		  AND updated_at < $1 AND created_at > $2
		ORDER BY updated_at ASC`,
		now.Add(-grace), now.Add(-maxAge))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMeetings(rows)
}

// ListStaleMeetings returns non-terminal meetings older than maxAge, which
// the reconciler force-fails without consulting the scheduler.
func (s *Store) ListStaleMeetings(ctx context.Context, maxAge time.Duration) ([]*model.Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE status NOT IN ('completed', 'failed') AND created_at <= $1
		ORDER BY created_at ASC`,
		time.Now().UTC().Add(-maxAge))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMeetings(rows)
}

func collectMeetings(rows *sql.Rows) ([]*model.Meeting, error) {
	var out []*model.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetWorkloadHandle records the scheduler handle for a launched meeting.
func (s *Store) SetWorkloadHandle(ctx context.Context, meetingID int64, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET workload_handle = $2, updated_at = NOW()
		WHERE id = $1`, meetingID, handle)
	return err
}

// MutateMeeting applies fn to the current meeting row inside a transaction
// with the row locked. fn mutates the meeting in place; a nil error commits
// the new status, times and data bag. This is the single write path for
// status transitions so concurrent callbacks serialize on the row lock.
func (s *Store) MutateMeeting(ctx context.Context, meetingID int64, fn func(*model.Meeting) error) (*model.Meeting, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1 FOR UPDATE`, meetingID)
	m, err := scanMeeting(row)
	if err != nil {
		return nil, err
	}

	if err := fn(m); err != nil {
		return nil, err
	}

	data, err := m.Data.Value()
	if err != nil {
		return nil, fmt.Errorf("encode meeting data: %w", err)
	}
	var nativeID interface{} = m.NativeMeetingID
	if m.NativeMeetingID == "" {
		nativeID = nil
	}
	err = tx.QueryRowContext(ctx, `
		UPDATE meetings
		SET status = $2, native_meeting_id = $3, workload_handle = $4,
		    start_time = $5, end_time = $6, data = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		m.ID, string(m.Status), nativeID, m.WorkloadHandle,
		m.StartTime, m.EndTime, data,
	).Scan(&m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}
