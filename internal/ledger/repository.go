package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/COAI-team/backend-sub000/internal/domain"
)

var ErrRecordNotFound = errors.New("match record not found")

// Repository is the durable match ledger.
type Repository interface {
	// Save upserts the full record keyed by match id.
	Save(ctx context.Context, rec *domain.MatchRecord) error
	Get(ctx context.Context, matchID string) (*domain.MatchRecord, error)
	// Transition writes rec only if the stored status still equals from.
	Transition(ctx context.Context, from domain.MatchStatus, rec *domain.MatchRecord) (bool, error)
	SetSettlement(ctx context.Context, matchID string, status domain.SettlementStatus) error
	ListByStatus(ctx context.Context, statuses []domain.MatchStatus, limit int) ([]*domain.MatchRecord, error)
	ListUnsettled(ctx context.Context, limit int) ([]*domain.MatchRecord, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const selectColumns = `
	match_id, room_id, host_id, guest_id, problem_id, language_id, level_mode,
	bet_amount, max_duration_minutes, status, countdown_at, started_at, finished_at,
	winner_id, win_reason, settlement_status, created_at, updated_at`

// Save inserts or refreshes a record. A closed row (FINISHED or CANCELED)
// is left untouched; only Transition and SetSettlement change it.
func (r *repository) Save(ctx context.Context, rec *domain.MatchRecord) error {
	if rec == nil {
		return fmt.Errorf("nil match record payload")
	}
	const query = `
		INSERT INTO match_records (
			match_id, room_id, host_id, guest_id, problem_id, language_id, level_mode,
			bet_amount, max_duration_minutes, status, countdown_at, started_at, finished_at,
			winner_id, win_reason, settlement_status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW())
		ON CONFLICT (match_id) DO UPDATE SET
			host_id=EXCLUDED.host_id,
			guest_id=EXCLUDED.guest_id,
			problem_id=EXCLUDED.problem_id,
			language_id=EXCLUDED.language_id,
			level_mode=EXCLUDED.level_mode,
			bet_amount=EXCLUDED.bet_amount,
			max_duration_minutes=EXCLUDED.max_duration_minutes,
			status=EXCLUDED.status,
			countdown_at=EXCLUDED.countdown_at,
			started_at=EXCLUDED.started_at,
			finished_at=EXCLUDED.finished_at,
			winner_id=EXCLUDED.winner_id,
			win_reason=EXCLUDED.win_reason,
			updated_at=NOW()
		WHERE match_records.status NOT IN ('FINISHED', 'CANCELED')`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	settlement := rec.Settlement
	if settlement == "" {
		settlement = domain.SettlementNone
	}
	_, err := r.db.ExecContext(ctx, query,
		rec.MatchID, rec.RoomID, rec.HostID, rec.GuestID, rec.ProblemID, rec.LanguageID, rec.LevelMode,
		rec.BetAmount, rec.MaxDurationMinutes, string(rec.Status),
		nullTime(rec.CountdownAt), nullTime(rec.StartedAt), nullTime(rec.FinishedAt),
		rec.WinnerID, string(rec.WinReason), string(settlement), createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert match record: %w", err)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, matchID string) (*domain.MatchRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM match_records WHERE match_id = $1`, matchID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select match record: %w", err)
	}
	return rec, nil
}

func (r *repository) Transition(ctx context.Context, from domain.MatchStatus, rec *domain.MatchRecord) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("nil match record payload")
	}
	const query = `
		UPDATE match_records SET
			status=$3, countdown_at=$4, started_at=$5, finished_at=$6,
			winner_id=$7, win_reason=$8, updated_at=NOW()
		WHERE match_id=$1 AND status=$2`
	res, err := r.db.ExecContext(ctx, query,
		rec.MatchID, string(from), string(rec.Status),
		nullTime(rec.CountdownAt), nullTime(rec.StartedAt), nullTime(rec.FinishedAt),
		rec.WinnerID, string(rec.WinReason),
	)
	if err != nil {
		return false, fmt.Errorf("transition match record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *repository) SetSettlement(ctx context.Context, matchID string, status domain.SettlementStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE match_records SET settlement_status=$2, updated_at=NOW() WHERE match_id=$1`,
		matchID, string(status))
	if err != nil {
		return fmt.Errorf("update settlement status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *repository) ListByStatus(ctx context.Context, statuses []domain.MatchStatus, limit int) ([]*domain.MatchRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	raw := make([]string, 0, len(statuses))
	for _, s := range statuses {
		raw = append(raw, string(s))
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM match_records WHERE status = ANY($1) ORDER BY updated_at ASC LIMIT $2`,
		pq.Array(raw), limit)
	if err != nil {
		return nil, fmt.Errorf("select match records: %w", err)
	}
	return collect(rows)
}

// ListUnsettled returns terminal records whose escrow is still HELD.
func (r *repository) ListUnsettled(ctx context.Context, limit int) ([]*domain.MatchRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM match_records
		 WHERE status = ANY($1) AND settlement_status = $2
		 ORDER BY updated_at ASC LIMIT $3`,
		pq.Array([]string{string(domain.StatusFinished), string(domain.StatusCanceled)}),
		string(domain.SettlementHeld), limit)
	if err != nil {
		return nil, fmt.Errorf("select unsettled records: %w", err)
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.MatchRecord, error) {
	var (
		rec                           domain.MatchRecord
		status, reason, settlement    string
		countdownAt, startedAt, endAt sql.NullTime
	)
	if err := s.Scan(
		&rec.MatchID, &rec.RoomID, &rec.HostID, &rec.GuestID, &rec.ProblemID, &rec.LanguageID, &rec.LevelMode,
		&rec.BetAmount, &rec.MaxDurationMinutes, &status, &countdownAt, &startedAt, &endAt,
		&rec.WinnerID, &reason, &settlement, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = domain.MatchStatus(status)
	rec.WinReason = domain.WinReason(reason)
	rec.Settlement = domain.SettlementStatus(settlement)
	if countdownAt.Valid {
		rec.CountdownAt = countdownAt.Time
	}
	if startedAt.Valid {
		rec.StartedAt = startedAt.Time
	}
	if endAt.Valid {
		rec.FinishedAt = endAt.Time
	}
	return &rec, nil
}

func collect(rows *sql.Rows) ([]*domain.MatchRecord, error) {
	defer rows.Close()
	var out []*domain.MatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
