package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// fileStore is the legacy JSON document store.
//
// Files:
//   - <prefix>.snapshot.json (accounts, items, dedup)
//   - <prefix>.journal.jsonl (append-only document writes since the snapshot)
//   - <prefix>.audit.jsonl   (append-only)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	auditFile    *os.File

	docs   fileDocs
	writes int
}

const compactEvery = 500

type fileDocs struct {
	Accounts map[string]domain.Account `json:"accounts"`
	Items    map[string]domain.Item    `json:"items"`
	Dedup    map[string]int64          `json:"dedup"` // unix milli
}

type journalRecord struct {
	Kind    string          `json:"kind"` // account | item | dedup
	Account *domain.Account `json:"account,omitempty"`
	Item    *domain.Item    `json:"item,omitempty"`
	Key     string          `json:"key,omitempty"`
	Until   int64           `json:"until,omitempty"`
}

// OpenLegacy opens a legacy document store at path for reconciliation.
func OpenLegacy(path string, log logx.Logger) (Repository, error) {
	return openFile(Config{Driver: "file", Path: path}, log)
}

func openFile(cfg Config, log logx.Logger) (Repository, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log.With(logx.String("driver", "file")),
		snapshotPath: prefix + ".snapshot.json",
		docs: fileDocs{
			Accounts: map[string]domain.Account{},
			Items:    map[string]domain.Item{},
			Dedup:    map[string]int64{},
		},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var err error
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.auditFile, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.journal.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var d fileDocs
	if err := json.NewDecoder(f).Decode(&d); err != nil {
		return err
	}
	for k, v := range d.Accounts {
		s.docs.Accounts[k] = v
	}
	for k, v := range d.Items {
		s.docs.Items[k] = v
	}
	for k, v := range d.Dedup {
		s.docs.Dedup[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write; keep what we have
			s.log.Warn("skipping bad journal line", logx.Err(err))
			continue
		}
		s.apply(r)
	}
	return sc.Err()
}

func (s *fileStore) apply(r journalRecord) {
	switch r.Kind {
	case "account":
		if r.Account != nil {
			s.docs.Accounts[r.Account.ID] = *r.Account
		}
	case "item":
		if r.Item != nil {
			s.docs.Items[r.Item.ID] = *r.Item
		}
	case "dedup":
		if r.Key != "" {
			s.docs.Dedup[r.Key] = r.Until
		}
	}
}

// writeLocked applies r in memory and appends it to the journal.
func (s *fileStore) writeLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.apply(r)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	now := time.Now().UnixMilli()
	for k, v := range s.docs.Dedup {
		if v < now {
			delete(s.docs.Dedup, k)
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.docs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	errCompact := s.compactLocked()
	errJournal := s.journal.Close()
	errAudit := s.auditFile.Close()
	s.journal, s.auditFile = nil, nil
	return errors.Join(errCompact, errJournal, errAudit)
}

func (s *fileStore) GetAccount(_ context.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.docs.Accounts[id]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *fileStore) ListAccounts(context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(s.docs.Accounts))
	for _, a := range s.docs.Accounts {
		out = append(out, cloneAccount(a))
	}
	sortAccounts(out)
	return out, nil
}

func (s *fileStore) PutAccount(_ context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(journalRecord{Kind: "account", Account: &a})
}

func (s *fileStore) SetAccountStatus(_ context.Context, id string, status domain.AccountStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.docs.Accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status, a.StatusReason, a.UpdatedAt = status, reason, time.Now()
	return s.writeLocked(journalRecord{Kind: "account", Account: &a})
}

func (s *fileStore) GetItem(_ context.Context, id string) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.docs.Items[id]
	if !ok {
		return domain.Item{}, ErrNotFound
	}
	return cloneItem(it), nil
}

func (s *fileStore) PutItem(_ context.Context, it domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putItemLocked(it)
}

func (s *fileStore) UpdateItemIf(_ context.Context, it domain.Item, expect domain.Expect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs.Items[it.ID]
	if err := checkExpect(cur, ok, expect); err != nil {
		return err
	}
	return s.putItemLocked(it)
}

func (s *fileStore) putItemLocked(it domain.Item) error {
	if it.Booked() {
		for _, o := range s.docs.Items {
			if o.ID != it.ID && o.AccountID == it.AccountID && o.Booked() && o.At().Equal(it.At()) {
				return conflictErr(it, nil)
			}
		}
	}
	return s.writeLocked(journalRecord{Kind: "item", Item: &it})
}

func (s *fileStore) ListItems(_ context.Context, f ItemFilter) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Item
	for _, it := range s.docs.Items {
		if f.match(it) {
			out = append(out, cloneItem(it))
		}
	}
	sortItems(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) Book(_ context.Context, accountID string, since time.Time, expect *domain.Expect, fn func([]domain.Item) (domain.Item, error)) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing []domain.Item
	for _, it := range s.docs.Items {
		if it.AccountID == accountID && it.Booked() && !it.At().Before(since) {
			existing = append(existing, cloneItem(it))
		}
	}
	sortItems(existing)
	out, err := fn(existing)
	if err != nil {
		return domain.Item{}, err
	}
	if expect != nil {
		cur, ok := s.docs.Items[out.ID]
		if err := checkExpect(cur, ok, *expect); err != nil {
			return domain.Item{}, err
		}
	}
	if err := s.putItemLocked(out); err != nil {
		return domain.Item{}, err
	}
	return out, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(journalRecord{Kind: "dedup", Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.docs.Dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
