package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/nexus/pkg/engine"
)

var _ engine.StrandStore = (*SQLiteStore)(nil)

const strandColumns = `id, stack, wake_at, lease_owner, lease_expires_at, destroy_requested, exit_result, done, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrand(row rowScanner) (*engine.Strand, error) {
	var (
		st          engine.Strand
		stack       string
		wakeAt      sql.NullInt64
		leaseOwner  sql.NullString
		leaseExpiry sql.NullInt64
		destroy     int
		exitResult  sql.NullString
		done        int
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(&st.ID, &stack, &wakeAt, &leaseOwner, &leaseExpiry, &destroy, &exitResult, &done, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stack), &st.Stack); err != nil {
		return nil, fmt.Errorf("failed to decode stack of strand %s: %w", st.ID, err)
	}
	st.WakeAt = timePtr(wakeAt)
	st.LeaseOwner = leaseOwner.String
	st.LeaseExpiresAt = timePtr(leaseExpiry)
	st.DestroyRequested = destroy == 1
	if exitResult.Valid {
		st.ExitResult = json.RawMessage(exitResult.String)
	}
	st.Done = done == 1
	st.CreatedAt = fromMillis(createdAt)
	st.UpdatedAt = fromMillis(updatedAt)
	return &st, nil
}

func encodeStack(st *engine.Strand) (string, error) {
	stack := st.Stack
	if stack == nil {
		stack = []engine.Frame{}
	}
	b, err := json.Marshal(stack)
	if err != nil {
		return "", fmt.Errorf("failed to encode stack of strand %s: %w", st.ID, err)
	}
	return string(b), nil
}

// CreateStrand inserts a new strand.
func (s *SQLiteStore) CreateStrand(ctx context.Context, st *engine.Strand) error {
	return s.createStrand(ctx, s.db, st)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) createStrand(ctx context.Context, db execer, st *engine.Strand) error {
	stack, err := encodeStack(st)
	if err != nil {
		return err
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = st.CreatedAt
	}

	query := `
		INSERT INTO strands (id, prog, label, stack, wake_at, deadline_at, destroy_requested, exit_result, done, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		st.ID,
		st.Prog(),
		st.Label(),
		stack,
		nullMillis(st.WakeAt),
		nullMillis(st.DeadlineAt()),
		boolInt(st.DestroyRequested),
		nullBytes(st.ExitResult),
		boolInt(st.Done),
		toMillis(st.CreatedAt),
		toMillis(st.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return engine.NewConflictError("strand already exists", err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(st.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create strand: %w", err)
	}
	return nil
}

// GetStrand loads a strand by ID.
func (s *SQLiteStore) GetStrand(ctx context.Context, id string) (*engine.Strand, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+strandColumns+` FROM strands WHERE id = ?`, id)
	st, err := scanStrand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("strand", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strand: %w", err)
	}
	return st, nil
}

// ListStrands returns strands ordered by creation time. Archived strands
// are included only when includeDone is set.
func (s *SQLiteStore) ListStrands(ctx context.Context, prog string, includeDone bool, limit int) ([]*engine.Strand, error) {
	var (
		where []string
		args  []any
	)
	if prog != "" {
		where = append(where, "prog = ?")
		args = append(args, prog)
	}
	if !includeDone {
		where = append(where, "done = 0")
	}

	query := `SELECT ` + strandColumns + ` FROM strands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list strands: %w", err)
	}
	defer rows.Close()

	strands := []*engine.Strand{}
	for rows.Next() {
		st, err := scanStrand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strand: %w", err)
		}
		strands = append(strands, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strands: %w", err)
	}
	return strands, nil
}

// LeaseDueStrands claims up to limit due strands in one transaction.
func (s *SQLiteStore) LeaseDueStrands(ctx context.Context, owner string, now time.Time, ttl time.Duration, limit int) ([]*engine.Strand, error) {
	nowMs := toMillis(now)
	expires := toMillis(now.Add(ttl))

	var leased []*engine.Strand
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM strands
			WHERE done = 0
			  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)
			  AND (wake_at IS NULL OR wake_at <= ? OR (deadline_at IS NOT NULL AND deadline_at <= ?))
			ORDER BY COALESCE(wake_at, 0), id
			LIMIT ?
		`, nowMs, nowMs, nowMs, limit)
		if err != nil {
			return fmt.Errorf("failed to select due strands: %w", err)
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan strand id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating due strands: %w", err)
		}

		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE strands SET lease_owner = ?, lease_expires_at = ?
				WHERE id = ? AND done = 0
				  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)
			`, owner, expires, id, nowMs)
			if err != nil {
				return fmt.Errorf("failed to lease strand %s: %w", id, err)
			}
			n, err := affected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}

			st, err := scanStrand(tx.QueryRowContext(ctx, `SELECT `+strandColumns+` FROM strands WHERE id = ?`, id))
			if err != nil {
				return fmt.Errorf("failed to load leased strand %s: %w", id, err)
			}
			leased = append(leased, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// RenewLease extends a held lease.
func (s *SQLiteStore) RenewLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (time.Time, error) {
	expires := now.Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		UPDATE strands SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ? AND lease_expires_at > ?
	`, toMillis(expires), id, owner, toMillis(now))
	if err != nil {
		return time.Time{}, engine.NewTransientError("failed to renew lease", err).WithResource(id)
	}
	n, err := affected(res)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, engine.NewLeaseLostError(id, owner)
	}
	return fromMillis(toMillis(expires)), nil
}

// SaveStrand writes st if owner still holds an unexpired lease. The destroy
// flag is left as stored; when it was raised after st was loaded the wake
// time is cleared so the redirect runs promptly.
func (s *SQLiteStore) SaveStrand(ctx context.Context, st *engine.Strand, owner string, now time.Time) error {
	stack, err := encodeStack(st)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE strands SET
			label = ?,
			stack = ?,
			wake_at = CASE WHEN destroy_requested = 1 AND ? = 0 THEN NULL ELSE ? END,
			deadline_at = ?,
			exit_result = ?,
			done = ?,
			updated_at = ?
		WHERE id = ? AND lease_owner = ? AND lease_expires_at > ?
	`,
		st.Label(),
		stack,
		boolInt(st.DestroyRequested),
		nullMillis(st.WakeAt),
		nullMillis(st.DeadlineAt()),
		nullBytes(st.ExitResult),
		boolInt(st.Done),
		toMillis(now),
		st.ID,
		owner,
		toMillis(now),
	)
	if err != nil {
		return engine.NewTransientError("failed to save strand", err).WithResource(st.ID)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewLeaseLostError(st.ID, owner)
	}
	return nil
}

// ReleaseLease gives up a lease held by owner.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE strands SET lease_owner = NULL, lease_expires_at = NULL WHERE id = ? AND lease_owner = ?`,
		id, owner,
	)
	if err != nil {
		return engine.NewTransientError("failed to release lease", err).WithResource(id)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewLeaseLostError(id, owner)
	}
	return nil
}

// RequestDestroy raises the destroy flag and makes the strand due.
func (s *SQLiteStore) RequestDestroy(ctx context.Context, id string) error {
	return s.requestDestroy(ctx, s.db, id)
}

func (s *SQLiteStore) requestDestroy(ctx context.Context, db execer, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE strands SET destroy_requested = 1, wake_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to request destroy: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewNotFoundError("strand", id)
	}
	return nil
}

// Wake clears the wake time of a strand.
func (s *SQLiteStore) Wake(ctx context.Context, id string) error {
	return s.wake(ctx, s.db, id)
}

func (s *SQLiteStore) wake(ctx context.Context, db execer, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE strands SET wake_at = NULL WHERE id = ? AND done = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to wake strand: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewNotFoundError("strand", id)
	}
	return nil
}
