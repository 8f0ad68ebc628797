package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/domain"
)

// DeployRepo implements domain.DeployRepository using SQLite.
type DeployRepo struct {
	db *sql.DB
}

func NewDeployRepo(db *sql.DB) *DeployRepo {
	return &DeployRepo{db: db}
}

func (r *DeployRepo) SaveSession(ctx context.Context, s domain.DeploySession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save session tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		restarted, sawOffline, attempts any
		elapsed, total                  any
		restartErr                      any
	)
	if s.Restart != nil {
		restarted = boolToInt(s.Restart.Restarted)
		sawOffline = boolToInt(s.Restart.SawOffline)
		attempts = s.Restart.Attempts
		elapsed = nullableDurationMillis(s.Restart.Elapsed, true)
		total = nullableDurationMillis(s.Restart.Total, true)
		restartErr = nullableString(s.Restart.ErrorText)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO deploy_sessions(
			token, kind, host, started_at, finished_at, planned, succeeded, failed, aborted,
			progress_available, error_text, restart_restarted, restart_saw_offline, restart_attempts,
			restart_elapsed_ms, restart_total_ms, restart_error_text
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nullableString(s.Token),
		string(s.Kind),
		s.Host,
		timeToUnixMillis(s.StartedAt),
		timeToUnixMillis(s.FinishedAt),
		s.Planned,
		s.Succeeded,
		s.Failed,
		boolToInt(s.Aborted),
		boolToInt(s.ProgressAvailable),
		nullableString(s.ErrorText),
		restarted,
		sawOffline,
		attempts,
		elapsed,
		total,
		restartErr,
	)
	if err != nil {
		return fmt.Errorf("insert deploy session: %w", err)
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get deploy session id: %w", err)
	}

	for _, f := range s.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deploy_files(session_id, idx, name, succeeded, status_code, error_text)
			VALUES(?, ?, ?, ?, ?, ?)
		`, sessionID, f.Index, f.Name, boolToInt(f.Succeeded), nullableInt(f.StatusCode), nullableString(f.ErrorText)); err != nil {
			return fmt.Errorf("insert deploy file %q: %w", f.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save session tx: %w", err)
	}

	return nil
}

// ListRecent returns up to limit sessions, newest first, with their files.
func (r *DeployRepo) ListRecent(ctx context.Context, limit int) ([]domain.DeploySession, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, token, kind, host, started_at, finished_at, planned, succeeded, failed, aborted,
			progress_available, error_text, restart_restarted, restart_saw_offline, restart_attempts,
			restart_elapsed_ms, restart_total_ms, restart_error_text
		FROM deploy_sessions
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deploy sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		ids      []int64
		sessions []domain.DeploySession
	)
	for rows.Next() {
		var (
			id                    int64
			token, errText        sql.NullString
			kind, host            string
			startedMS, finishedMS int64
			aborted, progress     int
			restarted, sawOffline sql.NullInt64
			attempts              sql.NullInt64
			elapsedMS, totalMS    sql.NullInt64
			restartErr            sql.NullString
			s                     domain.DeploySession
		)
		if err := rows.Scan(
			&id, &token, &kind, &host, &startedMS, &finishedMS, &s.Planned, &s.Succeeded, &s.Failed,
			&aborted, &progress, &errText, &restarted, &sawOffline, &attempts, &elapsedMS, &totalMS, &restartErr,
		); err != nil {
			return nil, fmt.Errorf("scan deploy session: %w", err)
		}
		s.Token = token.String
		s.Kind = connectors.SessionKind(kind)
		s.Host = host
		s.StartedAt = unixMillisToTime(startedMS)
		s.FinishedAt = unixMillisToTime(finishedMS)
		s.Aborted = aborted != 0
		s.ProgressAvailable = progress != 0
		s.ErrorText = errText.String
		if restarted.Valid {
			s.Restart = &domain.RestartRecord{
				Restarted:  restarted.Int64 != 0,
				SawOffline: sawOffline.Int64 != 0,
				Attempts:   int(attempts.Int64),
				Elapsed:    nullDurationToDuration(elapsedMS),
				Total:      nullDurationToDuration(totalMS),
				ErrorText:  restartErr.String,
			}
		}
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deploy sessions: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close deploy session rows: %w", err)
	}

	for i, id := range ids {
		files, err := r.listFiles(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions[i].Files = files
	}

	return sessions, nil
}

func (r *DeployRepo) listFiles(ctx context.Context, sessionID int64) ([]domain.DeployFile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT idx, name, succeeded, status_code, error_text
		FROM deploy_files
		WHERE session_id = ?
		ORDER BY idx ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query deploy files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []domain.DeployFile
	for rows.Next() {
		var (
			f          domain.DeployFile
			succeeded  int
			statusCode sql.NullInt64
			errText    sql.NullString
		)
		if err := rows.Scan(&f.Index, &f.Name, &succeeded, &statusCode, &errText); err != nil {
			return nil, fmt.Errorf("scan deploy file: %w", err)
		}
		f.Succeeded = succeeded != 0
		f.StatusCode = int(statusCode.Int64)
		f.ErrorText = errText.String
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deploy files: %w", err)
	}

	return files, nil
}
