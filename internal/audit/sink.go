package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexusd/nexus/internal/hostlog"
)

// Actor identifies who performed an audited action.
type Actor string

const (
	ActorUser      Actor = "user"
	ActorSystem    Actor = "system"
	ActorPlugin    Actor = "plugin"
	ActorExtension Actor = "extension"
	ActorMcpClient Actor = "mcp_client"
)

// Severity is the audit entry's severity tier.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Result is the audited action's outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Entry is a single append-only audit record.
type Entry struct {
	ID         int64          `db:"id" json:"id"`
	Timestamp  int64          `db:"timestamp" json:"timestamp"`
	Actor      Actor          `db:"actor" json:"actor"`
	SourceID   *string        `db:"source_id" json:"source_id,omitempty"`
	Severity   Severity       `db:"severity" json:"severity"`
	Action     string         `db:"action" json:"action"`
	Subject    *string        `db:"subject" json:"subject,omitempty"`
	Result     Result         `db:"result" json:"result"`
	DetailsRaw sql.NullString `db:"details" json:"-"`
	Details    map[string]any `db:"-" json:"details,omitempty"`
}

// Filter constrains an audit query. Action and Subject are SQL GLOB patterns.
type Filter struct {
	Action    string
	Actor     Actor
	SourceID  string
	Severity  Severity
	Subject   string
	Result    Result
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

const maxQueryLimit = 10000

// Sink is the AuditSink: a bounded-channel batched writer in front of the
// sqlite-backed append-only log.
type Sink struct {
	db     *sqlx.DB
	queue  chan Entry
	done   chan struct{}
	wg     sync.WaitGroup
	nowFn  func() time.Time

	mu      sync.Mutex
	dropped int64
}

// Options configures the batch writer.
type Options struct {
	QueueSize     int
	FlushInterval time.Duration
}

func defaultOptions() Options {
	return Options{QueueSize: 1024, FlushInterval: 250 * time.Millisecond}
}

// Open opens (migrating if needed) the audit database under dataDir and
// starts the background batch writer.
func Open(dataDir string, opts ...Options) (*Sink, error) {
	o := defaultOptions()
	if len(opts) > 0 {
		o = opts[0]
	}
	db, err := openDB(dataFile(dataDir))
	if err != nil {
		return nil, err
	}
	s := &Sink{
		db:    db,
		queue: make(chan Entry, o.QueueSize),
		done:  make(chan struct{}),
		nowFn: time.Now,
	}
	s.wg.Add(1)
	go s.runBatcher(o.FlushInterval)
	return s, nil
}

// Close stops the batch writer, flushing anything queued, then closes the
// underlying database.
func (s *Sink) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

// Append enqueues entry for the next batch write. If the queue is full, the
// oldest queued entry is dropped to make room and a warning is emitted —
// the writer never blocks a caller.
func (s *Sink) Append(e Entry) {
	if e.Timestamp == 0 {
		e.Timestamp = s.nowFn().Unix()
	}
	select {
	case s.queue <- e:
		return
	default:
	}
	// Queue full: drop oldest, then enqueue.
	select {
	case <-s.queue:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		hostlog.Warn("audit queue full; dropping oldest entry")
	default:
	}
	select {
	case s.queue <- e:
	default:
		hostlog.Warn("audit queue full; dropping newest entry")
	}
}

// Dropped returns the number of entries dropped due to queue overflow.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) runBatcher(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []Entry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			hostlog.Warnf("audit batch write failed (%d entries): %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Sink) writeBatch(batch []Entry) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	var txErr error
	defer func() { txClose(tx, &txErr) }()

	const stmt = `INSERT INTO audit_log (timestamp, actor, source_id, severity, action, subject, result, details)
	              VALUES (:timestamp, :actor, :source_id, :severity, :action, :subject, :result, :details)`
	for _, e := range batch {
		row := map[string]any{
			"timestamp": e.Timestamp,
			"actor":     e.Actor,
			"source_id": e.SourceID,
			"severity":  e.Severity,
			"action":    e.Action,
			"subject":   e.Subject,
			"result":    e.Result,
			"details":   marshalDetails(e.Details),
		}
		if _, txErr = tx.NamedExec(stmt, row); txErr != nil {
			return txErr
		}
	}
	return nil
}

func marshalDetails(d map[string]any) *string {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// txClose rolls back on error, commits otherwise, propagating whichever
// failure is relevant back through err.
func txClose(tx *sqlx.Tx, err *error) {
	if *err != nil {
		_ = tx.Rollback()
		return
	}
	if cerr := tx.Commit(); cerr != nil {
		*err = cerr
	}
}

// Query returns entries matching f, most recent first.
func (s *Sink) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	q := `SELECT id, timestamp, actor, source_id, severity, action, subject, result, details FROM audit_log WHERE 1=1`
	args := map[string]any{}
	if f.Action != "" {
		q += " AND action GLOB :action"
		args["action"] = f.Action
	}
	if f.Actor != "" {
		q += " AND actor = :actor"
		args["actor"] = f.Actor
	}
	if f.SourceID != "" {
		q += " AND source_id = :source_id"
		args["source_id"] = f.SourceID
	}
	if f.Severity != "" {
		q += " AND severity = :severity"
		args["severity"] = f.Severity
	}
	if f.Subject != "" {
		q += " AND subject GLOB :subject"
		args["subject"] = f.Subject
	}
	if f.Result != "" {
		q += " AND result = :result"
		args["result"] = f.Result
	}
	if f.Since != nil {
		q += " AND timestamp >= :since"
		args["since"] = f.Since.Unix()
	}
	if f.Until != nil {
		q += " AND timestamp <= :until"
		args["until"] = f.Until.Unix()
	}
	q += " ORDER BY timestamp DESC LIMIT :limit OFFSET :offset"
	args["limit"] = limit
	args["offset"] = f.Offset

	stmt, stmtArgs, err := sqlx.Named(q, args)
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}
	stmt = s.db.Rebind(stmt)

	rows, err := s.db.QueryxContext(ctx, stmt, stmtArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.StructScan(&e); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if e.DetailsRaw.Valid {
			_ = json.Unmarshal([]byte(e.DetailsRaw.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupOld deletes entries older than now-ttl and returns the count removed.
func (s *Sink) CleanupOld(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.nowFn().Add(-ttl).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("cleaning up old audit entries: %w", err)
	}
	return res.RowsAffected()
}
