package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"kassa.app/internal/audit"
)

const entryColumns = `id, table_name, record_id, action, severity, actor_id, actor_email, ip, user_agent, old_values, new_values, changed_fields, metadata, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func jsonMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func jsonStrings(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

// insertEntry writes one audit entry through q, which is either the
// pool or an open transaction (the high-risk mutation path).
func insertEntry(ctx context.Context, q execer, e audit.Entry) error {
	old, err := jsonMap(e.OldValues)
	if err != nil {
		return fmt.Errorf("pg: encode old values: %w", err)
	}
	newV, err := jsonMap(e.NewValues)
	if err != nil {
		return fmt.Errorf("pg: encode new values: %w", err)
	}
	changed, err := jsonStrings(e.ChangedFields)
	if err != nil {
		return fmt.Errorf("pg: encode changed fields: %w", err)
	}
	meta, err := jsonMap(e.Metadata)
	if err != nil {
		return fmt.Errorf("pg: encode metadata: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		insert into audit_logs (id, table_name, record_id, action, severity, actor_id, actor_email, ip, user_agent, old_values, new_values, changed_fields, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.TableName, e.RecordID, string(e.Action), string(e.Severity),
		nullIfEmpty(e.ActorID), nullIfEmpty(e.ActorEmail), nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent),
		old, newV, changed, meta, e.CreatedAt)
	return err
}

func (s *Store) Insert(ctx context.Context, e audit.Entry) error {
	return insertEntry(ctx, s.db, e)
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var e audit.Entry
	var action, severity string
	var actorID, actorEmail, ip, agent sql.NullString
	var old, newV, changed, meta []byte
	err := row.Scan(&e.ID, &e.TableName, &e.RecordID, &action, &severity,
		&actorID, &actorEmail, &ip, &agent, &old, &newV, &changed, &meta, &e.CreatedAt)
	if err != nil {
		return audit.Entry{}, err
	}
	e.Action = audit.Action(action)
	e.Severity = audit.Severity(severity)
	e.ActorID = actorID.String
	e.ActorEmail = actorEmail.String
	e.IP = ip.String
	e.UserAgent = agent.String
	if len(old) > 0 {
		if err := json.Unmarshal(old, &e.OldValues); err != nil {
			return audit.Entry{}, fmt.Errorf("pg: decode old values: %w", err)
		}
	}
	if len(newV) > 0 {
		if err := json.Unmarshal(newV, &e.NewValues); err != nil {
			return audit.Entry{}, fmt.Errorf("pg: decode new values: %w", err)
		}
	}
	if len(changed) > 0 {
		if err := json.Unmarshal(changed, &e.ChangedFields); err != nil {
			return audit.Entry{}, fmt.Errorf("pg: decode changed fields: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return audit.Entry{}, fmt.Errorf("pg: decode metadata: %w", err)
		}
	}
	return e, nil
}

// Trail returns the newest entries for one record, newest first.
func (s *Store) Trail(ctx context.Context, table, recordID string, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from audit_logs
		where table_name = $1 and record_id = $2
		order by created_at desc
		limit $3
	`, table, recordID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Query(ctx context.Context, f audit.QueryFilter) ([]audit.Entry, int, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if !f.From.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, f.From)
		idx++
	}
	if !f.To.IsZero() {
		where = append(where, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, f.To)
		idx++
	}
	if len(f.Actions) > 0 {
		ph := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			ph[i] = fmt.Sprintf("$%d", idx)
			args = append(args, string(a))
			idx++
		}
		where = append(where, fmt.Sprintf("action in (%s)", strings.Join(ph, ", ")))
	}
	if f.ActorID != "" {
		where = append(where, fmt.Sprintf("actor_id = $%d", idx))
		args = append(args, f.ActorID)
		idx++
	}
	if f.Table != "" {
		where = append(where, fmt.Sprintf("table_name = $%d", idx))
		args = append(args, f.Table)
		idx++
	}
	cond := ""
	if len(where) > 0 {
		cond = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_logs`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`select `+entryColumns+` from audit_logs%s order by created_at desc limit $%d offset $%d`, cond, idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DeleteOlderThan removes at most limit entries created before cutoff
// whose severity falls in band, oldest first.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, band []audit.Severity, limit int) (int64, error) {
	if len(band) == 0 || limit <= 0 {
		return 0, nil
	}
	ph := make([]string, len(band))
	args := []any{cutoff}
	for i, sev := range band {
		ph[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, string(sev))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		delete from audit_logs
		where id in (
			select id from audit_logs
			where created_at < $1 and severity in (%s)
			order by created_at asc
			limit $%d
		)
	`, strings.Join(ph, ", "), len(band)+2)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
