package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// dialect captures the differences between the SQL drivers.
type dialect struct {
	name string
	// dollar placeholders ($1) instead of ?
	dollar bool
	// lockAccount serializes Book per account across processes.
	lockAccount string
	isUnique    func(error) bool
}

// sqlStore implements Repository over database/sql for sqlite and postgres.
// Instants are stored as unix milliseconds.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func (s *sqlStore) q(query string) string {
	if !s.d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// migrate applies migrations/<dialect>/NNNN_*.sql files not yet recorded in
// schema_version, each in its own transaction.
func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	dir := "migrations/" + s.d.name
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, _ := strings.Cut(e.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("migration %s: bad version prefix", e.Name())
		}

		var n int
		if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM schema_version WHERE version = ?`), version).Scan(&n); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if n > 0 {
			continue
		}
		body, err := migrationsFS.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return err
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_version(version, applied_at) VALUES(?, ?)`), version, time.Now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("storage migration applied", logx.String("driver", s.d.name), logx.Int("version", version))
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const accountCols = `id, name, platform, status, status_reason, pattern, max_per_day, min_interval_ms, tolerance_ms, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(r rowScanner) (domain.Account, error) {
	var (
		a                domain.Account
		status, pattern  string
		minIvl, tol      int64
		created, updated int64
	)
	if err := r.Scan(&a.ID, &a.Name, &a.Platform, &status, &a.StatusReason, &pattern, &a.MaxPerDay, &minIvl, &tol, &created, &updated); err != nil {
		return domain.Account{}, err
	}
	a.Status = domain.AccountStatus(status)
	if err := json.Unmarshal([]byte(pattern), &a.Pattern); err != nil {
		return domain.Account{}, fmt.Errorf("account %s: decode pattern: %w", a.ID, err)
	}
	a.MinInterval = time.Duration(minIvl) * time.Millisecond
	a.ToleranceWindow = time.Duration(tol) * time.Millisecond
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return a, nil
}

func (s *sqlStore) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, s.q(`SELECT `+accountCols+` FROM accounts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutAccount(ctx context.Context, a domain.Account) error {
	pattern, err := json.Marshal(a.Pattern)
	if err != nil {
		return err
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO accounts(`+accountCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, platform=excluded.platform, status=excluded.status,
			status_reason=excluded.status_reason, pattern=excluded.pattern,
			max_per_day=excluded.max_per_day, min_interval_ms=excluded.min_interval_ms,
			tolerance_ms=excluded.tolerance_ms, updated_at=excluded.updated_at`),
		a.ID, a.Name, a.Platform, string(a.Status), a.StatusReason, string(pattern), a.MaxPerDay,
		a.MinInterval.Milliseconds(), a.ToleranceWindow.Milliseconds(), a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE accounts SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`),
		string(status), reason, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const itemCols = `id, account_id, payload_ref, status, scheduled_at, attempts, last_error, strategy, created_at, updated_at, posted_at`

func scanItem(r rowScanner) (domain.Item, error) {
	var (
		it                domain.Item
		status, strategy  string
		scheduled, posted sql.NullInt64
		created, updated  int64
	)
	if err := r.Scan(&it.ID, &it.AccountID, &it.PayloadRef, &status, &scheduled, &it.Attempts, &it.LastError, &strategy, &created, &updated, &posted); err != nil {
		return domain.Item{}, err
	}
	it.Status = domain.ItemStatus(status)
	it.Strategy = domain.Strategy(strategy)
	it.ScheduledAt = msPtr(scheduled)
	it.PostedAt = msPtr(posted)
	it.CreatedAt = time.UnixMilli(created).UTC()
	it.UpdatedAt = time.UnixMilli(updated).UTC()
	return it, nil
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return domain.TimePtr(time.UnixMilli(v.Int64).UTC())
}

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (s *sqlStore) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return s.getItem(ctx, s.db, id)
}

func (s *sqlStore) getItem(ctx context.Context, q queryer, id string) (domain.Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx, s.q(`SELECT `+itemCols+` FROM items WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, ErrNotFound
	}
	return it, err
}

func (s *sqlStore) PutItem(ctx context.Context, it domain.Item) error {
	return s.putItem(ctx, s.db, it)
}

func (s *sqlStore) UpdateItemIf(ctx context.Context, it domain.Item, expect domain.Expect) error {
	return s.updateItemIf(ctx, s.db, it, expect)
}

// updateItemIf is a single guarded UPDATE so a concurrent writer either
// commits before it (and the guard fails) or waits behind it.
func (s *sqlStore) updateItemIf(ctx context.Context, q queryer, it domain.Item, expect domain.Expect) error {
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = time.Now()
	}
	expectAt := int64(-1)
	if expect.ScheduledAt != nil {
		expectAt = expect.ScheduledAt.UnixMilli()
	}
	res, err := q.ExecContext(ctx, s.q(`UPDATE items SET
			account_id=?, payload_ref=?, status=?, scheduled_at=?, attempts=?, last_error=?,
			strategy=?, updated_at=?, posted_at=?
		WHERE id = ? AND status = ? AND COALESCE(scheduled_at, -1) = ?`),
		it.AccountID, it.PayloadRef, string(it.Status), nullMs(it.ScheduledAt), it.Attempts, it.LastError,
		string(it.Strategy), it.UpdatedAt.UnixMilli(), nullMs(it.PostedAt),
		it.ID, string(expect.Status), expectAt,
	)
	if err != nil {
		if s.d.isUnique(err) {
			return conflictErr(it, err)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := s.getItem(ctx, q, it.ID)
	if err != nil {
		return err
	}
	return checkExpect(cur, true, expect)
}

func (s *sqlStore) putItem(ctx context.Context, q queryer, it domain.Item) error {
	now := time.Now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	_, err := q.ExecContext(ctx, s.q(`INSERT INTO items(`+itemCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			account_id=excluded.account_id, payload_ref=excluded.payload_ref, status=excluded.status,
			scheduled_at=excluded.scheduled_at, attempts=excluded.attempts, last_error=excluded.last_error,
			strategy=excluded.strategy, updated_at=excluded.updated_at, posted_at=excluded.posted_at`),
		it.ID, it.AccountID, it.PayloadRef, string(it.Status), nullMs(it.ScheduledAt), it.Attempts, it.LastError,
		string(it.Strategy), it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli(), nullMs(it.PostedAt),
	)
	if err != nil && s.d.isUnique(err) {
		return conflictErr(it, err)
	}
	return err
}

func (s *sqlStore) ListItems(ctx context.Context, f ItemFilter) ([]domain.Item, error) {
	return s.listItems(ctx, s.db, f)
}

func (s *sqlStore) listItems(ctx context.Context, q queryer, f ItemFilter) ([]domain.Item, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if !f.From.IsZero() {
		where = append(where, "scheduled_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "scheduled_at <= ?")
		args = append(args, f.To.UnixMilli())
	}

	query := `SELECT ` + itemCols + ` FROM items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY (scheduled_at IS NULL), scheduled_at, id"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqlStore) Book(ctx context.Context, accountID string, since time.Time, expect *domain.Expect, fn func([]domain.Item) (domain.Item, error)) (domain.Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if s.d.lockAccount != "" {
		if _, err := tx.ExecContext(ctx, s.q(s.d.lockAccount), accountID); err != nil {
			return domain.Item{}, fmt.Errorf("lock account: %w", err)
		}
	}

	all, err := s.listItems(ctx, tx, ItemFilter{AccountID: accountID, From: since})
	if err != nil {
		return domain.Item{}, err
	}
	existing := all[:0]
	for _, it := range all {
		if it.Booked() {
			existing = append(existing, it)
		}
	}

	out, err := fn(existing)
	if err != nil {
		return domain.Item{}, err
	}
	if collides(out, existing) {
		return domain.Item{}, conflictErr(out, nil)
	}
	if expect != nil {
		err = s.updateItemIf(ctx, tx, out, *expect)
	} else {
		err = s.putItem(ctx, tx, out)
	}
	if err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		if s.d.isUnique(err) {
			return domain.Item{}, conflictErr(out, err)
		}
		return domain.Item{}, err
	}
	return out, nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit(at, account_id, item_id, action, from_status, to_status, err)
		VALUES(?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.AccountID, e.ItemID, e.Action, e.From, e.To, nullStr(e.Error),
	)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO dedup(key, until) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until=excluded.until`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, s.q(`DELETE FROM dedup WHERE until < ?`), time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
