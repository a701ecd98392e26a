// Package csvdb is the authoritative Record Store: a single CSV table of drug
// rows and drug-pair rows.
//
// Every mutation is a critical section across goroutines and processes: the
// table is re-read from disk under an exclusive file lock, merged, written
// back in full (temp file + rename) and only then unlocked. Readers take no
// lock since the rename replaces the file atomically.
package csvdb

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/brunobiangulo/ddi/record"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("csvdb: store closed")

// Option configures a Store.
type Option func(*Store)

// WithPolicy sets the confidence floors applied to rows that carry no
// recorded source or confidence.
func WithPolicy(p record.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock overrides time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the CSV-backed Record Store. Safe for concurrent use.
type Store struct {
	path   string
	lock   *flock.Flock
	policy record.Policy
	now    func() time.Time

	mu        sync.RWMutex
	tab       *table
	available bool
	modTime   time.Time
	size      int64
	closed    bool
}

// Open loads the table at path. A missing file is an empty store. An
// unreadable or corrupt file is logged and also yields an empty store;
// Available reports false until a write succeeds.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("csvdb: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("csvdb: creating directory %s: %w", dir, err)
		}
	}
	s := &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		policy: record.DefaultPolicy(),
		now:    time.Now,
		tab:    newTable(),
	}
	for _, o := range opts {
		o(s)
	}
	s.reload()
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Available reports whether the backing table was readable at last load.
func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// Close marks the store closed. Reads keep working on the last snapshot.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// reload replaces the snapshot with the table on disk.
func (s *Store) reload() {
	tab, info, err := readTable(s.path, s.policy)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.tab, s.available = newTable(), true
		s.modTime, s.size = time.Time{}, 0
	case err != nil:
		slog.Warn("csvdb: table unreadable, starting empty", "path", s.path, "error", err)
		s.tab, s.available = newTable(), false
		s.modTime, s.size = time.Time{}, 0
	default:
		s.tab, s.available = tab, true
		s.modTime, s.size = info.ModTime(), info.Size()
	}
}

// refresh reloads the snapshot when another process changed the file.
func (s *Store) refresh() {
	info, err := os.Stat(s.path)
	s.mu.RLock()
	stale := err == nil && (!info.ModTime().Equal(s.modTime) || info.Size() != s.size)
	s.mu.RUnlock()
	if stale {
		s.reload()
	}
}

// Find returns the drug whose canonical name or alias equals name.
func (s *Store) Find(name string) (record.DrugRecord, bool) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tab.find(name)
}

// FindPair returns the interaction between a and b in either order.
func (s *Store) FindPair(a, b string) (record.InteractionRecord, bool) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tab.findPair(a, b)
}

// Drugs returns every drug record in key order.
func (s *Store) Drugs() []record.DrugRecord {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.DrugRecord, 0, len(s.tab.drugs))
	for _, k := range s.tab.drugKeys() {
		out = append(out, s.tab.drugs[k])
	}
	return out
}

// Interactions returns every interaction involving name.
func (s *Store) Interactions(name string) []record.InteractionRecord {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.tab.resolveKey(name)
	var out []record.InteractionRecord
	for _, k := range s.tab.pairKeys() {
		r := s.tab.pairs[k]
		if s.tab.resolveKey(r.DrugA) == key || s.tab.resolveKey(r.DrugB) == key {
			out = append(out, r)
		}
	}
	return out
}

// UpsertDrug merges d into the stored record with the same canonical key.
func (s *Store) UpsertDrug(d record.DrugRecord) (record.DrugRecord, error) {
	var merged record.DrugRecord
	err := s.mutate(func(t *table) {
		merged = t.upsertDrug(s.stamp(d))
	})
	return merged, err
}

// UpsertDrugs merges many records in one locked write.
func (s *Store) UpsertDrugs(ds []record.DrugRecord) error {
	if len(ds) == 0 {
		return nil
	}
	return s.mutate(func(t *table) {
		for _, d := range ds {
			t.upsertDrug(s.stamp(d))
		}
	})
}

// UpsertInteraction merges r into the stored interaction for its pair.
func (s *Store) UpsertInteraction(r record.InteractionRecord) (record.InteractionRecord, error) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now().UTC()
	}
	var merged record.InteractionRecord
	err := s.mutate(func(t *table) {
		merged = t.upsertPair(r)
	})
	return merged, err
}

func (s *Store) stamp(d record.DrugRecord) record.DrugRecord {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = s.now().UTC()
	}
	return d
}

// mutate runs fn as a read-modify-write critical section.
func (s *Store) mutate(fn func(*table)) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	// The process mutex serialises goroutines; flock serialises processes.
	// flock alone is per file descriptor and would not exclude goroutines
	// sharing this Store.
	s.writeMu().Lock()
	defer s.writeMu().Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("csvdb: acquiring lock: %w", err)
	}
	defer s.lock.Unlock()

	tab, _, err := readTable(s.path, s.policy)
	switch {
	case errors.Is(err, os.ErrNotExist):
		tab = newTable()
	case err != nil:
		backup := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
		if rerr := os.Rename(s.path, backup); rerr != nil {
			return fmt.Errorf("csvdb: re-reading table: %w", err)
		}
		slog.Warn("csvdb: table corrupt, moved aside", "path", s.path, "backup", backup, "error", err)
		tab = newTable()
	}
	fn(tab)
	if err := writeTable(s.path, tab); err != nil {
		return err
	}
	info, statErr := os.Stat(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab, s.available = tab, true
	if statErr == nil {
		s.modTime, s.size = info.ModTime(), info.Size()
	}
	return nil
}

var writeLocks sync.Map

// writeMu returns the process-wide mutex for this path, shared by every
// Store opened on it.
func (s *Store) writeMu() *sync.Mutex {
	abs, err := filepath.Abs(s.path)
	if err != nil {
		abs = s.path
	}
	m, _ := writeLocks.LoadOrStore(abs, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// table is the in-memory form of the CSV file.
type table struct {
	drugs map[string]record.DrugRecord
	pairs map[string]record.InteractionRecord
	alias map[string]string // alias key -> drug key
}

func newTable() *table {
	return &table{
		drugs: make(map[string]record.DrugRecord),
		pairs: make(map[string]record.InteractionRecord),
		alias: make(map[string]string),
	}
}

func (t *table) resolveKey(name string) string {
	k := record.Key(name)
	if _, ok := t.drugs[k]; ok {
		return k
	}
	if dk, ok := t.alias[k]; ok {
		return dk
	}
	return k
}

func (t *table) find(name string) (record.DrugRecord, bool) {
	if record.Key(name) == "" {
		return record.DrugRecord{}, false
	}
	d, ok := t.drugs[t.resolveKey(name)]
	return d, ok
}

func (t *table) findPair(a, b string) (record.InteractionRecord, bool) {
	if r, ok := t.pairs[record.PairKey(a, b)]; ok {
		return r, true
	}
	// Fall back to canonical names when either side was given as an alias.
	ca, cb := a, b
	if d, ok := t.find(a); ok {
		ca = d.CanonicalName
	}
	if d, ok := t.find(b); ok {
		cb = d.CanonicalName
	}
	r, ok := t.pairs[record.PairKey(ca, cb)]
	return r, ok
}

func (t *table) upsertDrug(d record.DrugRecord) record.DrugRecord {
	if record.Key(d.CanonicalName) == "" {
		return d
	}
	key := t.resolveKey(d.CanonicalName)
	merged := record.MergeDrug(t.drugs[key], d)
	t.drugs[key] = merged
	for _, a := range merged.Aliases {
		ak := record.Key(a)
		if _, isDrug := t.drugs[ak]; !isDrug && ak != "" {
			t.alias[ak] = key
		}
	}
	return merged
}

func (t *table) upsertPair(r record.InteractionRecord) record.InteractionRecord {
	if record.Key(r.DrugA) == "" || record.Key(r.DrugB) == "" {
		return r
	}
	k := r.Key()
	merged := record.MergeInteraction(t.pairs[k], r)
	t.pairs[k] = merged
	return merged
}

func (t *table) drugKeys() []string {
	keys := make([]string, 0, len(t.drugs))
	for k := range t.drugs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *table) pairKeys() []string {
	keys := make([]string, 0, len(t.pairs))
	for k := range t.pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// readTable parses the file at path. Rows without a recorded source or
// confidence are treated as local data at the policy floor.
func readTable(path string, p record.Policy) (*table, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	head, err := r.Read()
	if errors.Is(err, io.EOF) {
		return newTable(), info, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("csvdb: reading header: %w", err)
	}
	l, err := resolveLayout(head)
	if err != nil {
		return nil, nil, err
	}
	split := splitLegacy
	if ownHeader(head) {
		split = splitOwn
	}

	t := newTable()
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("csvdb: line %d: %w", line, err)
		}
		drug := l.first(row, fieldDrug)
		if drug == "" {
			continue
		}
		src, conf := rowProvenance(l, row, p)
		at := parseTime(l.first(row, fieldUpdatedAt))

		d := record.DrugRecord{
			CanonicalName:  drug,
			Aliases:        split(l.get(row, fieldAliases)),
			Ingredients:    split(l.get(row, fieldIngredients)),
			Classification: l.first(row, fieldClassification),
			Indications:    strings.Join(l.get(row, fieldIndications), "; "),
			Source:         src,
			Confidence:     conf,
			UpdatedAt:      at,
		}
		partner := l.first(row, fieldPartner)
		if partner == "" {
			t.upsertDrug(d)
			continue
		}
		// Legacy pair rows also carried the first drug's ingredients.
		if len(d.Ingredients) > 0 || d.Classification != "" || d.Indications != "" {
			t.upsertDrug(d)
		}
		t.upsertPair(record.InteractionRecord{
			DrugA:       drug,
			DrugB:       partner,
			Severity:    record.ParseSeverity(l.first(row, fieldSeverity)),
			Description: l.first(row, fieldInteraction),
			Source:      src,
			Confidence:  conf,
			Evidence:    split(l.get(row, fieldEvidence)),
			UpdatedAt:   at,
		})
	}
	return t, info, nil
}

func rowProvenance(l layout, row []string, p record.Policy) (record.Source, float64) {
	src := record.ParseSource(l.first(row, fieldSource))
	if src == "" {
		src = record.SourceLocalDB
	}
	conf, err := strconv.ParseFloat(l.first(row, fieldConfidence), 64)
	if err != nil {
		return src, p.Floor(src)
	}
	return src, min(max(conf, 0), 1)
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// splitOwn splits list cells written by this store, which joins items
// with "|" and never splits on anything else.
func splitOwn(cells []string) []string {
	return splitCells(cells, func(r rune) bool { return r == '|' })
}

// splitLegacy splits list cells of imported tables on "|", commas and
// semicolons.
func splitLegacy(cells []string) []string {
	return splitCells(cells, func(r rune) bool { return r == '|' || r == ',' || r == ';' })
}

func splitCells(cells []string, sep func(rune) bool) []string {
	var out []string
	for _, c := range cells {
		for _, p := range strings.FieldsFunc(c, sep) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// writeTable replaces the file at path with t, synchronously.
func writeTable(path string, t *table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ddi-*.csv.tmp")
	if err != nil {
		return fmt.Errorf("csvdb: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("csvdb: writing header: %w", err)
	}
	for _, k := range t.drugKeys() {
		d := t.drugs[k]
		row := make([]string, numFields)
		row[fieldDrug] = d.CanonicalName
		row[fieldAliases] = strings.Join(d.Aliases, "|")
		row[fieldIngredients] = strings.Join(d.Ingredients, "|")
		row[fieldClassification] = d.Classification
		row[fieldIndications] = d.Indications
		row[fieldSource] = string(d.Source)
		row[fieldConfidence] = formatConf(d.Confidence)
		row[fieldUpdatedAt] = formatTime(d.UpdatedAt)
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("csvdb: writing drug %q: %w", d.CanonicalName, err)
		}
	}
	for _, k := range t.pairKeys() {
		r := t.pairs[k]
		row := make([]string, numFields)
		row[fieldDrug] = r.DrugA
		row[fieldPartner] = r.DrugB
		row[fieldSeverity] = string(r.Severity)
		row[fieldInteraction] = r.Description
		row[fieldSource] = string(r.Source)
		row[fieldConfidence] = formatConf(r.Confidence)
		row[fieldEvidence] = strings.Join(r.Evidence, "|")
		row[fieldUpdatedAt] = formatTime(r.UpdatedAt)
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("csvdb: writing pair %s: %w", k, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("csvdb: flushing table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("csvdb: syncing table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("csvdb: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("csvdb: replacing table: %w", err)
	}
	return nil
}

func formatConf(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
