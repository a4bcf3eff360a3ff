package audit

import (
	"context"
	"time"

	"kassa.app/internal/ids"
	"kassa.app/internal/logging"
	"kassa.app/internal/obs"
)

// Record is the input for one audit write. Changed is computed from Old
// and New when nil; Severity defaults to INFO.
type Record struct {
	Table    string
	RecordID string
	Action   Action
	Severity Severity
	Old      map[string]any
	New      map[string]any
	Changed  []string
	Metadata map[string]any
}

// SecurityEvent describes a denial worth flagging for anomaly
// monitoring, distinct from ordinary business-action entries.
type SecurityEvent struct {
	Event    string
	Reason   string
	Severity Severity
	Method   string
	Path     string
	Metadata map[string]any
}

// Logger writes audit entries. Business writes are best-effort: a store
// failure is logged and counted, never surfaced to the caller.
type Logger struct {
	store Store
	clock func() time.Time
	sinks []func(Entry)
}

type LoggerOption func(*Logger)

// WithClock fixes the time source.
func WithClock(clock func() time.Time) LoggerOption {
	return func(l *Logger) { l.clock = clock }
}

// WithSink registers a function invoked with every entry the logger
// produces, whether or not the store write succeeded. Used to feed the
// event stream and the anomaly detector.
func WithSink(sink func(Entry)) LoggerOption {
	return func(l *Logger) { l.sinks = append(l.sinks, sink) }
}

func NewLogger(store Store, opts ...LoggerOption) *Logger {
	l := &Logger{
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewEntry assembles a complete entry from a record and its context:
// the changed-field list is computed before masking so that a change
// hidden by equal masks is still recorded, then old and new values are
// masked. This is also the construction path for transactional audit
// writes done inside a store.
func NewEntry(actx Context, rec Record, now time.Time) Entry {
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	changed := rec.Changed
	if changed == nil && (rec.Old != nil || rec.New != nil) {
		changed = ChangedFields(rec.Old, rec.New)
	}

	meta := make(map[string]any, len(rec.Metadata)+3)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	if actx.RequestID != "" {
		meta["request_id"] = actx.RequestID
	}
	if actx.SessionID != "" {
		meta["session_id"] = actx.SessionID
	}
	if actx.ActorRole != "" {
		meta["actor_role"] = string(actx.ActorRole)
	}
	if len(meta) == 0 {
		meta = nil
	}

	return Entry{
		ID:            ids.New(ids.PrefixAuditEntry),
		TableName:     rec.Table,
		RecordID:      rec.RecordID,
		Action:        rec.Action,
		Severity:      rec.Severity,
		ActorID:       actx.ActorID,
		ActorEmail:    actx.ActorEmail,
		IP:            actx.IP,
		UserAgent:     actx.UserAgent,
		OldValues:     MaskSensitiveData(rec.Old),
		NewValues:     MaskSensitiveData(rec.New),
		ChangedFields: changed,
		Metadata:      meta,
		CreatedAt:     now.UTC(),
	}
}

// Record appends one entry, best-effort. The returned entry is what was
// (or would have been) written.
func (l *Logger) Record(ctx context.Context, actx Context, rec Record) Entry {
	entry := NewEntry(actx, rec, l.clock())
	if err := l.store.Insert(ctx, entry); err != nil {
		obs.AuditWriteFailed()
		logging.Err(err).
			Str("table", entry.TableName).
			Str("record", entry.RecordID).
			Str("action", string(entry.Action)).
			Msg("audit write failed")
	} else {
		obs.AuditEntryRecorded(string(entry.Action), string(entry.Severity))
	}
	l.notify(entry)
	return entry
}

// Security appends a denial-path entry and feeds the monitoring sinks.
func (l *Logger) Security(ctx context.Context, actx Context, ev SecurityEvent) Entry {
	if ev.Severity == "" {
		ev.Severity = SeverityWarn
	}
	meta := map[string]any{
		"event":  ev.Event,
		"reason": ev.Reason,
	}
	if ev.Method != "" {
		meta["method"] = ev.Method
	}
	if ev.Path != "" {
		meta["path"] = ev.Path
	}
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	obs.SecurityEventRecorded(ev.Event)
	return l.Record(ctx, actx, Record{
		Table:    SecurityTable,
		RecordID: actx.RequestID,
		Action:   ActionSecurityEvent,
		Severity: ev.Severity,
		Metadata: meta,
	})
}

// Recorded reports an entry that was already persisted by a store-side
// transaction. It feeds metrics and sinks without writing again.
func (l *Logger) Recorded(e Entry) {
	obs.AuditEntryRecorded(string(e.Action), string(e.Severity))
	l.notify(e)
}

func (l *Logger) notify(e Entry) {
	for _, sink := range l.sinks {
		sink(e)
	}
}

// Trail returns the most recent entries for one record, newest first.
func (l *Logger) Trail(ctx context.Context, table, recordID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return l.store.Trail(ctx, table, recordID, limit)
}

// Query returns entries matching the filter, newest first, with the
// total match count for pagination.
func (l *Logger) Query(ctx context.Context, f QueryFilter) ([]Entry, int, error) {
	return l.store.Query(ctx, f.Normalize())
}

var (
	shortBand = []Severity{SeverityInfo, SeverityWarn}
	longBand  = []Severity{SeverityHigh, SeverityCritical}
)

// Cleanup deletes entries past their retention window in bounded
// batches. HIGH and CRITICAL entries use the longer window. Returns the
// number of entries removed.
func (l *Logger) Cleanup(ctx context.Context, policy CleanupPolicy) (int64, error) {
	batch := policy.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	now := l.clock()

	var total int64
	bands := []struct {
		severities []Severity
		cutoff     time.Time
	}{
		{shortBand, now.AddDate(0, 0, -policy.RetentionDays)},
		{longBand, now.AddDate(0, 0, -policy.CriticalRetentionDays)},
	}
	for _, b := range bands {
		for {
			n, err := l.store.DeleteOlderThan(ctx, b.cutoff, b.severities, batch)
			total += n
			if err != nil {
				return total, err
			}
			if n < int64(batch) {
				break
			}
		}
	}
	if total > 0 {
		logging.Info().Int64("deleted", total).Msg("audit retention sweep")
	}
	return total, nil
}
