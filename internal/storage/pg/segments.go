package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/echoscribe/echoscribe/internal/model"
)

// UpsertSession records a recognition session start. Replayed session_start
// events keep the first recorded start time.
func (s *Store) UpsertSession(ctx context.Context, meetingID int64, sessionUID string, start time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meeting_sessions (meeting_id, session_uid, session_start_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (meeting_id, session_uid) DO NOTHING`,
		meetingID, sessionUID, start.UTC())
	return err
}

// GetSessionStart returns the recorded start time for a session uid.
func (s *Store) GetSessionStart(ctx context.Context, sessionUID string) (time.Time, error) {
	var start time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT session_start_time FROM meeting_sessions WHERE session_uid = $1`,
		sessionUID).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return start, err
}

// ListSessions returns a meeting's recognition sessions in start order.
func (s *Store) ListSessions(ctx context.Context, meetingID int64) ([]model.MeetingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, session_uid, session_start_time
		FROM meeting_sessions WHERE meeting_id = $1
		ORDER BY session_start_time ASC`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MeetingSession
	for rows.Next() {
		var ms model.MeetingSession
		if err := rows.Scan(&ms.ID, &ms.MeetingID, &ms.SessionUID, &ms.SessionStartTime); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// InsertSegments writes a batch of finalized segments in one transaction.
// The unique (meeting_id, start_time) index makes redelivered batches
// idempotent: conflicting rows are left untouched.
func (s *Store) InsertSegments(ctx context.Context, segments []model.TranscriptSegment) error {
	if len(segments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_segments
			(meeting_id, session_uid, start_time, end_time, text, language, speaker)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (meeting_id, start_time) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, seg := range segments {
		if _, err := stmt.ExecContext(ctx, seg.MeetingID, seg.SessionUID,
			seg.StartTime, seg.EndTime, seg.Text, seg.Language, seg.Speaker); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListSegments returns a meeting's durable segments ordered by start time.
func (s *Store) ListSegments(ctx context.Context, meetingID int64) ([]model.TranscriptSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, session_uid, start_time, end_time, text, language, speaker, created_at
		FROM transcript_segments WHERE meeting_id = $1
		ORDER BY start_time ASC`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TranscriptSegment
	for rows.Next() {
		var seg model.TranscriptSegment
		var speaker sql.NullString
		if err := rows.Scan(&seg.ID, &seg.MeetingID, &seg.SessionUID,
			&seg.StartTime, &seg.EndTime, &seg.Text, &seg.Language,
			&speaker, &seg.CreatedAt); err != nil {
			return nil, err
		}
		if speaker.Valid {
			seg.Speaker = &speaker.String
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// DeleteSegments purges a meeting's durable segments and returns the count.
func (s *Store) DeleteSegments(ctx context.Context, meetingID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transcript_segments WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
