package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kassa.app/internal/audit"
	"kassa.app/internal/auth"
	"kassa.app/internal/authz"
)

const userColumns = `id, email, name, role, active, password_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.Active, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return auth.User{}, err
	}
	u.Role = authz.Role(role)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, name, role, active, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Email, u.Name, string(u.Role), u.Active, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, f auth.UserFilter) ([]auth.User, int, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.Role != "" {
		where = append(where, fmt.Sprintf("role = $%d", idx))
		args = append(args, string(f.Role))
		idx++
	}
	if f.Active != nil {
		where = append(where, fmt.Sprintf("active = $%d", idx))
		args = append(args, *f.Active)
		idx++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("(email ilike $%d or name ilike $%d)", idx, idx))
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	cond := ""
	if len(where) > 0 {
		cond = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`select `+userColumns+` from users%s order by created_at desc limit $%d offset $%d`, cond, idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// userUpdateClauses renders the SET clauses for the fields present in
// upd, continuing placeholder numbering from idx.
func userUpdateClauses(upd auth.UserUpdate, idx int) ([]string, []any, int) {
	var (
		sets []string
		args []any
	)
	if upd.Email != nil {
		sets = append(sets, fmt.Sprintf("email = $%d", idx))
		args = append(args, *upd.Email)
		idx++
	}
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Password != nil {
		sets = append(sets, fmt.Sprintf("password_hash = $%d", idx))
		args = append(args, *upd.Password)
		idx++
	}
	if upd.Role != nil {
		sets = append(sets, fmt.Sprintf("role = $%d", idx))
		args = append(args, string(*upd.Role))
		idx++
	}
	return sets, args, idx
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	sets, args, idx := userUpdateClauses(upd, 1)
	if len(sets) == 0 {
		return s.GetUser(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update users set %s where id = $%d returning `+userColumns, strings.Join(sets, ", "), idx)
	args = append(args, id)

	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, auth.ErrEmailTaken
		}
		return auth.User{}, err
	}
	return u, nil
}

// UpdateUserAudited applies upd and inserts entry in one transaction,
// so a role change can never land without its audit record.
func (s *Store) UpdateUserAudited(ctx context.Context, id string, upd auth.UserUpdate, entry audit.Entry) (auth.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sets, args, idx := userUpdateClauses(upd, 1)
	if len(sets) == 0 {
		return auth.User{}, fmt.Errorf("pg: audited update with no fields")
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update users set %s where id = $%d returning `+userColumns, strings.Join(sets, ", "), idx)
	args = append(args, id)

	u, err := scanUser(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, auth.ErrEmailTaken
		}
		return auth.User{}, err
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// SetUserActiveAudited flips the active flag and inserts entry in one
// transaction. Deactivation also removes the user's sessions.
func (s *Store) SetUserActiveAudited(ctx context.Context, id string, active bool, entry audit.Entry) (auth.User, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUser(tx.QueryRowContext(ctx,
		`update users set active = $1, updated_at = now() where id = $2 returning `+userColumns, active, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, 0, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, 0, err
	}

	var sessions int64
	if !active {
		res, err := tx.ExecContext(ctx, `delete from sessions where user_id = $1`, id)
		if err != nil {
			return auth.User{}, 0, err
		}
		if sessions, err = res.RowsAffected(); err != nil {
			return auth.User{}, 0, err
		}
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return auth.User{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, 0, err
	}
	return u, sessions, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
