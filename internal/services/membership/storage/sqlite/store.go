// Package sqlite provides SQLite-backed persistence for the membership
// subsystem: membership rows plus the user/project existence replicas.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ticketfold/ticketfold/internal/platform/storage/sqlitemigrate"
	"github.com/ticketfold/ticketfold/internal/services/membership/domain"
	"github.com/ticketfold/ticketfold/internal/services/membership/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed persistence for membership state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a membership SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AddUserReplica records a known-existing user id. Re-adding is a no-op.
func (s *Store) AddUserReplica(ctx context.Context, userID string) error {
	return s.addReplica(ctx, "user_replica", "user_id", userID)
}

// RemoveUserReplica forgets a user id.
func (s *Store) RemoveUserReplica(ctx context.Context, userID string) error {
	return s.removeReplica(ctx, "user_replica", "user_id", userID)
}

// ExistsUserReplica reports whether a user id is known to exist.
func (s *Store) ExistsUserReplica(ctx context.Context, userID string) (bool, error) {
	return s.existsReplica(ctx, "user_replica", "user_id", userID)
}

// AddProjectReplica records a known-existing project id. Re-adding is a no-op.
func (s *Store) AddProjectReplica(ctx context.Context, projectID string) error {
	return s.addReplica(ctx, "project_replica", "project_id", projectID)
}

// RemoveProjectReplica forgets a project id.
func (s *Store) RemoveProjectReplica(ctx context.Context, projectID string) error {
	return s.removeReplica(ctx, "project_replica", "project_id", projectID)
}

// ExistsProjectReplica reports whether a project id is known to exist.
func (s *Store) ExistsProjectReplica(ctx context.Context, projectID string) (bool, error) {
	return s.existsReplica(ctx, "project_replica", "project_id", projectID)
}

func (s *Store) addReplica(ctx context.Context, table, column, value string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%s is required", column)
	}
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, observed_at) VALUES (?, ?)", table, column)
	if _, err := s.sqlDB.ExecContext(ctx, query, value, toMillis(time.Now().UTC())); err != nil {
		return fmt.Errorf("add %s entry: %w", table, err)
	}
	return nil
}

func (s *Store) removeReplica(ctx context.Context, table, column, value string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%s is required", column)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, column)
	if _, err := s.sqlDB.ExecContext(ctx, query, value); err != nil {
		return fmt.Errorf("remove %s entry: %w", table, err)
	}
	return nil
}

func (s *Store) existsReplica(ctx context.Context, table, column, value string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", table, column)
	var found int
	err := s.sqlDB.QueryRowContext(ctx, query, strings.TrimSpace(value)).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s entry: %w", table, err)
	}
	return true, nil
}

// PutMembership persists one membership row. A conflicting (user, project)
// pair surfaces as domain.ErrMembershipExists.
func (s *Store) PutMembership(ctx context.Context, membership domain.Membership) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO memberships (id, user_id, project_id, role, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		membership.ID,
		membership.UserID,
		membership.ProjectID,
		string(membership.Role),
		string(membership.State),
		toMillis(membership.CreatedAt),
		toMillis(membership.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: user %s in project %s", domain.ErrMembershipExists, membership.UserID, membership.ProjectID)
		}
		return fmt.Errorf("put membership: %w", err)
	}
	return nil
}

// GetMembership loads one membership by id.
func (s *Store) GetMembership(ctx context.Context, membershipID string) (domain.Membership, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Membership{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, user_id, project_id, role, state, created_at, updated_at
		 FROM memberships WHERE id = ?`,
		strings.TrimSpace(membershipID),
	)
	membership, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Membership{}, fmt.Errorf("%w: %s", domain.ErrNoMembershipFound, membershipID)
	}
	if err != nil {
		return domain.Membership{}, fmt.Errorf("get membership: %w", err)
	}
	return membership, nil
}

// ExistsMembership reports whether the (user, project) pair has a
// membership in any state.
func (s *Store) ExistsMembership(ctx context.Context, userID string, projectID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var found int
	err := s.sqlDB.QueryRowContext(
		ctx,
		"SELECT 1 FROM memberships WHERE user_id = ? AND project_id = ?",
		strings.TrimSpace(userID),
		strings.TrimSpace(projectID),
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership existence: %w", err)
	}
	return true, nil
}

// ListMembershipsByUser lists a user's memberships in creation order.
func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]domain.Membership, error) {
	return s.listMemberships(ctx, "user_id = ?", strings.TrimSpace(userID))
}

// ListMembershipsByProject lists a project's memberships in creation order.
func (s *Store) ListMembershipsByProject(ctx context.Context, projectID string) ([]domain.Membership, error) {
	return s.listMemberships(ctx, "project_id = ?", strings.TrimSpace(projectID))
}

// ListAcceptedMembershipsByUser lists a user's ACCEPTED memberships.
func (s *Store) ListAcceptedMembershipsByUser(ctx context.Context, userID string) ([]domain.Membership, error) {
	return s.listMemberships(ctx, "user_id = ? AND state = 'ACCEPTED'", strings.TrimSpace(userID))
}

func (s *Store) listMemberships(ctx context.Context, where string, args ...any) ([]domain.Membership, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT id, user_id, project_id, role, state, created_at, updated_at
	 FROM memberships WHERE ` + where + ` ORDER BY created_at ASC, id ASC`
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []domain.Membership
	for rows.Next() {
		membership, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships = append(memberships, membership)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return memberships, nil
}

// SetMembershipState updates one membership's state.
func (s *Store) SetMembershipState(ctx context.Context, membershipID string, state domain.State, at time.Time) error {
	return s.setMembershipColumn(ctx, membershipID, "state", string(state), at)
}

// SetMembershipRole updates one membership's role.
func (s *Store) SetMembershipRole(ctx context.Context, membershipID string, role domain.Role, at time.Time) error {
	return s.setMembershipColumn(ctx, membershipID, "role", string(role), at)
}

func (s *Store) setMembershipColumn(ctx context.Context, membershipID, column, value string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE memberships SET %s = ?, updated_at = ? WHERE id = ?", column)
	result, err := s.sqlDB.ExecContext(ctx, query, value, toMillis(at), strings.TrimSpace(membershipID))
	if err != nil {
		return fmt.Errorf("set membership %s: %w", column, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set membership %s rows affected: %w", column, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNoMembershipFound, membershipID)
	}
	return nil
}

const (
	deleteMaxBusyRetries = 8
	deleteRetryBaseDelay = 10 * time.Millisecond
)

// DeleteMembershipChecked removes one membership and runs the admin
// invariant repair inside the same immediate transaction: the remaining
// ACCEPTED memberships of the affected project are read post-delete, the
// decision is computed by the caller, and a promotion is applied before
// commit. Transactions begin with _txlock=immediate, so concurrent
// deletions against the same project serialize on the write lock and only
// one can observe "no admin" and promote. A promotion stamps updated_at
// with at.
func (s *Store) DeleteMembershipChecked(ctx context.Context, membershipID string, at time.Time, decide func(remaining []domain.Membership) domain.RepairDecision) (domain.DeleteResult, error) {
	if err := s.ready(ctx); err != nil {
		return domain.DeleteResult{}, err
	}
	if decide == nil {
		return domain.DeleteResult{}, fmt.Errorf("repair decision callback is required")
	}
	membershipID = strings.TrimSpace(membershipID)
	if membershipID == "" {
		return domain.DeleteResult{}, fmt.Errorf("membership id is required")
	}

	var lastBusyErr error
	for attempt := 0; ; attempt++ {
		result, retry, err := s.deleteMembershipCheckedOnce(ctx, membershipID, at, decide)
		if !retry {
			return result, err
		}
		lastBusyErr = err
		if attempt >= deleteMaxBusyRetries {
			return domain.DeleteResult{}, fmt.Errorf("delete membership %s remained busy: %w", membershipID, lastBusyErr)
		}
		if waitErr := waitForRetry(ctx, attempt); waitErr != nil {
			return domain.DeleteResult{}, waitErr
		}
	}
}

func (s *Store) deleteMembershipCheckedOnce(ctx context.Context, membershipID string, at time.Time, decide func(remaining []domain.Membership) domain.RepairDecision) (domain.DeleteResult, bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		if isSQLiteBusyError(err) {
			return domain.DeleteResult{}, true, err
		}
		return domain.DeleteResult{}, false, fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(
		ctx,
		`SELECT id, user_id, project_id, role, state, created_at, updated_at
		 FROM memberships WHERE id = ?`,
		membershipID,
	)
	deleted, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeleteResult{RowsDeleted: 0}, false, nil
	}
	if err != nil {
		if isSQLiteBusyError(err) {
			return domain.DeleteResult{}, true, err
		}
		return domain.DeleteResult{}, false, fmt.Errorf("load membership for delete: %w", err)
	}

	deleteResult, err := tx.ExecContext(ctx, "DELETE FROM memberships WHERE id = ?", membershipID)
	if err != nil {
		if isSQLiteBusyError(err) {
			return domain.DeleteResult{}, true, err
		}
		return domain.DeleteResult{}, false, fmt.Errorf("delete membership: %w", err)
	}
	rowsDeleted, err := deleteResult.RowsAffected()
	if err != nil {
		return domain.DeleteResult{}, false, fmt.Errorf("delete membership rows affected: %w", err)
	}

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, user_id, project_id, role, state, created_at, updated_at
		 FROM memberships WHERE project_id = ? AND state = 'ACCEPTED'
		 ORDER BY created_at ASC, id ASC`,
		deleted.ProjectID,
	)
	if err != nil {
		if isSQLiteBusyError(err) {
			return domain.DeleteResult{}, true, err
		}
		return domain.DeleteResult{}, false, fmt.Errorf("list remaining accepted memberships: %w", err)
	}
	var remaining []domain.Membership
	for rows.Next() {
		membership, scanErr := scanMembership(rows)
		if scanErr != nil {
			rows.Close()
			if isSQLiteBusyError(scanErr) {
				return domain.DeleteResult{}, true, scanErr
			}
			return domain.DeleteResult{}, false, fmt.Errorf("scan remaining membership: %w", scanErr)
		}
		remaining = append(remaining, membership)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		if isSQLiteBusyError(err) {
			return domain.DeleteResult{}, true, err
		}
		return domain.DeleteResult{}, false, fmt.Errorf("iterate remaining memberships: %w", err)
	}
	rows.Close()

	decision := decide(remaining)
	if decision.Action == domain.RepairPromote {
		promoteResult, err := tx.ExecContext(
			ctx,
			"UPDATE memberships SET role = 'ADMIN', updated_at = ? WHERE id = ? AND state = 'ACCEPTED'",
			toMillis(at),
			decision.PromoteID,
		)
		if err != nil {
			if isSQLiteBusyError(err) {
				return domain.DeleteResult{}, true, err
			}
			return domain.DeleteResult{}, false, fmt.Errorf("promote membership %s: %w", decision.PromoteID, err)
		}
		promoted, err := promoteResult.RowsAffected()
		if err != nil {
			return domain.DeleteResult{}, false, fmt.Errorf("promote membership rows affected: %w", err)
		}
		if promoted != 1 {
			return domain.DeleteResult{}, false, fmt.Errorf("promote membership %s: expected 1 row updated, got %d", decision.PromoteID, promoted)
		}
	}

	if err := tx.Commit(); err != nil {
		if isSQLiteBusyError(err) {
			return domain.DeleteResult{}, true, err
		}
		return domain.DeleteResult{}, false, fmt.Errorf("commit delete tx: %w", err)
	}

	return domain.DeleteResult{
		Deleted:     deleted,
		RowsDeleted: rowsDeleted,
		Decision:    decision,
	}, false, nil
}

// DeleteMembershipsByProject removes every membership of a project
// atomically and returns the removed records.
func (s *Store) DeleteMembershipsByProject(ctx context.Context, projectID string) ([]domain.Membership, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin project cascade tx: %w", err)
	}
	defer tx.Rollback()

	removed, err := func() ([]domain.Membership, error) {
		rows, err := tx.QueryContext(
			ctx,
			`SELECT id, user_id, project_id, role, state, created_at, updated_at
			 FROM memberships WHERE project_id = ? ORDER BY created_at ASC, id ASC`,
			projectID,
		)
		if err != nil {
			return nil, fmt.Errorf("list project memberships: %w", err)
		}
		defer rows.Close()

		var memberships []domain.Membership
		for rows.Next() {
			membership, err := scanMembership(rows)
			if err != nil {
				return nil, fmt.Errorf("scan project membership: %w", err)
			}
			memberships = append(memberships, membership)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate project memberships: %w", err)
		}
		return memberships, nil
	}()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM memberships WHERE project_id = ?", projectID); err != nil {
		return nil, fmt.Errorf("delete project memberships: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit project cascade tx: %w", err)
	}
	return removed, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (domain.Membership, error) {
	var (
		membership domain.Membership
		role       string
		state      string
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(
		&membership.ID,
		&membership.UserID,
		&membership.ProjectID,
		&role,
		&state,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Membership{}, err
	}
	membership.Role = domain.Role(role)
	membership.State = domain.State(state)
	membership.CreatedAt = fromMillis(createdAt)
	membership.UpdatedAt = fromMillis(updatedAt)
	return membership, nil
}

func waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt+1) * deleteRetryBaseDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
