package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/metrics"
)

// Store is the authoritative set of memory records. Admission and the
// compression it may trigger run under one write lock, so readers see a
// pass either fully applied or not at all.
type Store struct {
	mu sync.RWMutex

	cfg        Config
	compressor *Compressor
	score      ScoreFunc
	summarize  SummaryFunc
	touch      TouchPolicy
	persist    Persister
	embedder   Embedder
	index      *recallIndex
	now        func() time.Time

	records      map[string]*MemoryRecord
	tombstones   map[string]string
	compressions int
	pendingRetry bool
	last         *CompressionReport

	closeOnce sync.Once
	closeErr  error
}

// NewStore builds a Store from cfg. With cfg.Persist set and no persister
// option, it opens the SQLite database in the workspace and loads it.
func NewStore(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validatePersistence(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:        cfg,
		touch:      TouchPolicy{Boost: cfg.TouchBoost, HalfLife: cfg.TouchHalfLife},
		now:        time.Now,
		records:    map[string]*MemoryRecord{},
		tombstones: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.score == nil {
		s.score, err = NewScorer(cfg.Scorer, ScorerOptions{RecencyHorizon: cfg.RecencyHorizon, DefaultSalience: cfg.DefaultSalience})
		if err != nil {
			return nil, err
		}
	}
	if s.summarize == nil {
		s.summarize, err = NewSummarizer(cfg.Summarizer)
		if err != nil {
			return nil, err
		}
	}
	s.compressor, err = NewCompressor(cfg.compression(), s.summarize)
	if err != nil {
		return nil, err
	}
	if s.embedder == nil {
		s.embedder, err = NewEmbedder(cfg.Embedder)
		if err != nil {
			return nil, err
		}
	}
	s.index = newRecallIndex(s.embedder)

	if s.persist == nil && cfg.Persist {
		sqlite, err := NewSQLiteStore(cfg.DBPath())
		if err != nil {
			return nil, err
		}
		s.persist = sqlite
	}
	if s.persist != nil {
		if err := s.Load(ctx); err != nil {
			_ = s.persist.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the persister, if any.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.persist != nil {
			s.closeErr = s.persist.Close()
		}
	})
	return s.closeErr
}

// Persister exposes the backing persister; nil for a purely in-memory store.
func (s *Store) Persister() Persister { return s.persist }

// Load replaces in-memory state with what the persister holds.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	records, tombstones, err := s.persist.LoadRecords(ctx)
	if err != nil {
		return &StoreError{Op: "load", Err: err}
	}
	compactions, err := s.persist.CountCompactions(ctx)
	if err != nil {
		return &StoreError{Op: "load", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*MemoryRecord, len(records))
	for i := range records {
		rec := records[i]
		s.records[rec.ID] = &rec
	}
	s.tombstones = tombstones
	if s.tombstones == nil {
		s.tombstones = map[string]string{}
	}
	s.compressions = compactions
	s.index.reset(s.records)
	s.refreshGauges()
	logger.InfoCF("memory", "Loaded memory store", map[string]interface{}{
		"records":     len(s.records),
		"tombstones":  len(s.tombstones),
		"compactions": compactions,
	})
	return nil
}

// Admit stores a new record and returns its id.
func (s *Store) Admit(ctx context.Context, c Candidate) (string, error) {
	adm, err := s.AdmitReport(ctx, c)
	return adm.ID, err
}

// AdmitReport is Admit plus the compression pass the admission triggered.
// A failed compression is reported, not returned: the record is admitted.
func (s *Store) AdmitReport(ctx context.Context, c Candidate) (Admission, error) {
	if !c.Category.Valid() {
		return Admission{}, &StoreError{Op: "admit", Err: fmt.Errorf("%w: %q", ErrInvalidCategory, c.Category)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := MemoryRecord{
		ID:             "rec-" + uuid.NewString(),
		Category:       c.Category,
		Payload:        c.Payload,
		Importance:     clampUnit(s.score(c, now)),
		CreatedAt:      now,
		LastAccessedAt: now,
		Weight:         1,
		ExperienceID:   c.ExperienceID,
	}
	if s.persist != nil {
		if err := s.withRetry(ctx, func() error { return s.persist.SaveRecord(ctx, rec) }); err != nil {
			return Admission{}, &StoreError{Op: "admit", ID: rec.ID, Err: err}
		}
	}
	s.records[rec.ID] = &rec
	s.index.add(rec)
	metrics.MemoryAdmissions.WithLabelValues(string(rec.Category)).Inc()

	adm := Admission{ID: rec.ID}
	if s.compressor.ShouldTrigger(len(s.records)) {
		report := s.compressLocked(ctx)
		adm.Compression = &report
	}
	s.refreshGauges()
	return adm, nil
}

// Get returns a live record. Absorbed and unknown ids report absence.
func (s *Store) Get(id string) (MemoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return MemoryRecord{}, false
	}
	return rec.clone(), true
}

// Resolve follows tombstones from id to the live record that now represents it.
func (s *Store) Resolve(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(id)
}

func (s *Store) resolveLocked(id string) (string, bool) {
	seen := map[string]struct{}{}
	for {
		if _, ok := s.records[id]; ok {
			return id, true
		}
		next, ok := s.tombstones[id]
		if !ok {
			return "", false
		}
		if _, loop := seen[id]; loop {
			return "", false
		}
		seen[id] = struct{}{}
		id = next
	}
}

// Group returns the provenance of a live compressed record.
func (s *Store) Group(id string) (CompressedGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || !rec.Compressed {
		return CompressedGroup{}, false
	}
	return groupOf(*rec), true
}

// List returns live records of category (all categories when empty) that
// satisfy pred, ordered by CreatedAt then ID.
func (s *Store) List(category Category, pred func(MemoryRecord) bool) []MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MemoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		if category != "" && rec.Category != category {
			continue
		}
		if pred != nil && !pred(*rec) {
			continue
		}
		out = append(out, rec.clone())
	}
	sortRecords(out)
	return out
}

// Touch marks id accessed. With bump set, importance grows per the touch
// policy. Unknown ids report absence; absorbed ids are a conflict.
func (s *Store) Touch(ctx context.Context, id string, bump bool) (MemoryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		if group, retired := s.tombstones[id]; retired {
			return MemoryRecord{}, false, &StoreError{Op: "touch", ID: id, Err: fmt.Errorf("%w into %s", ErrRecordRetired, group)}
		}
		return MemoryRecord{}, false, nil
	}

	now := s.now()
	updated := rec.clone()
	if bump {
		updated.Importance = s.touch.apply(updated.Importance, updated.LastAccessedAt, now)
	}
	if now.After(updated.LastAccessedAt) {
		updated.LastAccessedAt = now
	}
	if s.persist != nil {
		if err := s.withRetry(ctx, func() error { return s.persist.UpdateAccess(ctx, updated) }); err != nil {
			return MemoryRecord{}, false, &StoreError{Op: "touch", ID: id, Err: err}
		}
	}
	*rec = updated
	s.index.changed()
	return updated.clone(), true, nil
}

// Len is the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Total:        len(s.records),
		ByCategory:   map[Category]int{},
		Tombstones:   len(s.tombstones),
		Compressions: s.compressions,
		PendingRetry: s.pendingRetry,
	}
	for _, rec := range s.records {
		st.ByCategory[rec.Category]++
		st.PayloadBytes += len(rec.Payload)
		if rec.Compressed {
			st.Compressed++
		}
	}
	return st
}

// LastCompression returns the most recent compression report.
func (s *Store) LastCompression() (CompressionReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return CompressionReport{}, false
	}
	return *s.last, true
}

// RetryPending reruns compression when a previous pass left groups behind
// and the store is still above target. It reports whether a pass ran.
func (s *Store) RetryPending(ctx context.Context) (CompressionReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingRetry || len(s.records) <= s.cfg.TargetCount {
		return CompressionReport{}, false
	}
	report := s.compressLocked(ctx)
	s.refreshGauges()
	return report, true
}

func (s *Store) compressLocked(ctx context.Context) CompressionReport {
	now := s.now()
	snapshot := make([]MemoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		snapshot = append(snapshot, *rec)
	}
	sortRecords(snapshot)
	plan := s.compressor.Compress(snapshot)

	report := CompressionReport{
		ID:         "cmp-" + uuid.NewString(),
		StartedAt:  now,
		SizeBefore: len(s.records),
		Target:     s.cfg.TargetCount,
	}
	if s.persist != nil {
		id, err := s.persist.StartCompaction(ctx, report.SizeBefore, report.Target, map[string]string{
			"phase":  "planned",
			"groups": fmt.Sprintf("%d", len(plan.Groups)),
		})
		if err != nil {
			logger.WarnCF("memory", "Compaction log unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			report.ID = id
		}
	}

	for _, g := range plan.Groups {
		group, err := s.compressor.Summarize(ctx, g, now)
		if err != nil {
			report.Failures = append(report.Failures, asCompressionError(g, err))
			continue
		}
		group.ID = "grp-" + uuid.NewString()
		if s.persist != nil {
			if err := s.persist.CommitGroup(ctx, group, group.SourceIDs); err != nil {
				report.Failures = append(report.Failures, asCompressionError(g, err))
				continue
			}
		}
		for _, src := range group.SourceIDs {
			delete(s.records, src)
			s.index.remove(src)
			s.tombstones[src] = group.ID
		}
		stored := group
		s.records[group.ID] = &stored
		s.index.add(stored)
		report.Groups = append(report.Groups, groupOf(group))
		report.Absorbed += len(group.SourceIDs)
	}

	report.SizeAfter = len(s.records)
	report.Shortfall = report.SizeAfter > report.Target
	s.pendingRetry = len(report.Failures) > 0
	s.compressions++
	s.last = &report
	s.recordCompression(ctx, report)
	return report
}

func (s *Store) recordCompression(ctx context.Context, report CompressionReport) {
	outcome := "ok"
	switch {
	case len(report.Groups) == 0:
		outcome = "noop"
	case len(report.Failures) > 0:
		outcome = "partial"
	}
	metrics.CompressionPasses.WithLabelValues(outcome).Inc()
	metrics.CompressionAbsorbed.Add(float64(report.Absorbed))
	metrics.CompressionGroupFailures.Add(float64(len(report.Failures)))

	fields := map[string]interface{}{
		"compaction_id": report.ID,
		"size_before":   report.SizeBefore,
		"size_after":    report.SizeAfter,
		"groups":        len(report.Groups),
		"absorbed":      report.Absorbed,
		"failures":      len(report.Failures),
		"shortfall":     report.Shortfall,
	}
	if len(report.Failures) > 0 {
		fields["first_error"] = report.Failures[0].Error()
		logger.WarnCF("memory", "Compression pass left groups uncompressed", fields)
	} else {
		logger.InfoCF("memory", "Compression pass complete", fields)
	}

	if s.persist == nil {
		return
	}
	if len(report.Groups) == 0 && len(report.Failures) > 0 {
		_ = s.persist.FailCompaction(ctx, report.ID, report.Failures[0].Error())
	} else if err := s.persist.CompleteCompaction(ctx, report.ID, report); err != nil {
		logger.WarnCF("memory", "Failed to complete compaction log", map[string]interface{}{"error": err.Error()})
	}
	_ = s.persist.AddMetric(ctx, "memory.compaction.absorbed", float64(report.Absorbed), map[string]string{"outcome": outcome})
}

func (s *Store) refreshGauges() {
	counts := map[Category]int{}
	for _, rec := range s.records {
		counts[rec.Category]++
	}
	for _, c := range Categories {
		metrics.MemoryRecords.WithLabelValues(string(c)).Set(float64(counts[c]))
	}
}

// withRetry retries a persistence call with exponential backoff.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.PersistBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(backoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

func asCompressionError(g PlannedGroup, err error) *CompressionError {
	var ce *CompressionError
	if errors.As(err, &ce) {
		return ce
	}
	return &CompressionError{Category: g.Category, SourceIDs: g.sourceIDs(), Err: err}
}
