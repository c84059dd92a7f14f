package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publish"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/slotkey"
)

// Cache is the read-through layer C2 wires over Redis; ByProfile consults
// it before falling back to the in-memory document, and Store calls
// Invalidate on every mutation. A nil Cache is valid — the store then
// serves everything from memory.
type Cache interface {
	Lookup(ctx context.Context, profile model.ProfileRef) ([]*model.PendingRecord, bool)
	Warm(ctx context.Context, profile model.ProfileRef, records []*model.PendingRecord)
	Invalidate(profile model.ProfileRef)
}

// Store is the engine's pending-event store and soft-delete pool (C2),
// plus the per-profile automation state. All mutation is expected to
// happen on the engine's single writer goroutine; Store itself only
// guards against concurrent readers (e.g. the HTTP control surface)
// observing a torn in-memory map during a Save.
type Store struct {
	mu sync.Mutex

	pendingPath    string
	automationPath string

	events      map[string]*model.PendingRecord // keyed by ID
	deleted     map[string]*model.PendingRecord // keyed by ID
	automation  map[string]*model.AutomationState
	displayLimit int

	cache  Cache
	logger publish.Logger
}

// New constructs an empty Store bound to the given files. Call Load to
// populate it from disk.
func New(pendingPath, automationPath string, displayLimit int, cache Cache, logger publish.Logger) *Store {
	return &Store{
		pendingPath:    pendingPath,
		automationPath: automationPath,
		events:         make(map[string]*model.PendingRecord),
		deleted:        make(map[string]*model.PendingRecord),
		automation:     make(map[string]*model.AutomationState),
		displayLimit:   displayLimit,
		cache:          cache,
		logger:         logger,
	}
}

func (s *Store) log(message string, fields map[string]any) {
	if s.logger != nil {
		s.logger.Log("store", message, fields)
	}
}

// Load reads both documents from disk, drops past-dated deleted entries,
// drops cancelled records (invariant 6: they never survive a restart),
// runs normalization, and writes back if anything changed. A missing
// file is treated as an empty document, matching a first boot.
func (s *Store) Load(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pd, err := readPendingDocument(s.pendingPath)
	if err != nil {
		return fmt.Errorf("store: load pending: %w", err)
	}
	ad, err := readAutomationDocument(s.automationPath)
	if err != nil {
		return fmt.Errorf("store: load automation state: %w", err)
	}

	s.displayLimit = pd.Settings.DisplayLimit

	s.events = make(map[string]*model.PendingRecord, len(pd.Events))
	s.deleted = make(map[string]*model.PendingRecord, len(pd.DeletedEvents))
	dropped := 0
	reclassified := false
	for _, rd := range pd.Events {
		r, err := docToRecord(rd)
		if err != nil {
			s.log("dropping unparseable pending record", map[string]any{"id": rd.ID, "error": err.Error()})
			dropped++
			continue
		}
		if r.Status == model.StatusCancelled {
			dropped++
			continue
		}
		if reclassifyStatusAndSlotKey(r) {
			reclassified = true
		}

		// A record tagged deleted among the pending events belongs in the
		// deleted pool, not in events (invariant: the two pools partition
		// by status, not by which document section they were read from).
		if r.Status == model.StatusDeleted {
			if r.DeletedAt == nil {
				r.DeletedAt = &now
			}
			s.deleted[r.ID] = r
			continue
		}

		if r.ScheduledPublishTime == nil && r.Status != model.StatusPublished {
			// Can't be recomputed here: that needs the owning profile's
			// automation settings, which Load doesn't have. Best effort:
			// drop rather than keep a record that can never fire.
			dropped++
			continue
		}

		s.events[r.ID] = r
	}

	for _, rd := range pd.DeletedEvents {
		r, err := docToRecord(rd)
		if err != nil {
			s.log("dropping unparseable deleted record", map[string]any{"id": rd.ID, "error": err.Error()})
			dropped++
			continue
		}
		if !r.EventStartsAt.After(now) {
			dropped++
			continue
		}
		if reclassifyStatusAndSlotKey(r) {
			reclassified = true
		}
		s.deleted[r.ID] = r
	}

	s.automation = make(map[string]*model.AutomationState, len(ad.Profiles))
	for key, sd := range ad.Profiles {
		st, err := docToState(sd)
		if err != nil {
			s.log("dropping unparseable automation state", map[string]any{"profile": key, "error": err.Error()})
			continue
		}
		s.automation[key] = st
	}

	normalized := s.normalizeLocked()
	rekeyed := s.canonicalizeIDsLocked()
	changed := normalized || dropped > 0 || reclassified || rekeyed
	if dropped > 0 {
		s.log("normalization dropped records on load", map[string]any{"count": dropped})
	}
	if changed {
		if err := s.saveLocked(); err != nil {
			return fmt.Errorf("store: save after normalization: %w", err)
		}
	}
	return nil
}

// reclassifyStatusAndSlotKey implements the per-record steps of C3's
// normalization pass that are safe to run during ingest, before dedup
// has had a chance to resolve slot-key collisions: an unrecognized
// status resets to scheduled rather than silently mis-ranking the
// record in dedup, and the slot key is recomputed from (targetId,
// profileKey, eventStartsAt) on every load so a record minted before a
// bug fix self-heals instead of staying wrong. It deliberately leaves
// ID untouched — two on-disk duplicates of the same slot can still
// carry distinct (stale) IDs at this point, and rewriting them to the
// same canonical value here would collide in the events map and let
// one silently clobber the other ahead of normalizeLocked's
// priority-based dedup. ID canonicalization happens later, in
// canonicalizeIDsLocked, once dedup has guaranteed at most one record
// per slot key remains.
func reclassifyStatusAndSlotKey(r *model.PendingRecord) bool {
	changed := false

	switch r.Status {
	case model.StatusScheduled, model.StatusQueued, model.StatusMissed,
		model.StatusPublished, model.StatusCancelled, model.StatusDeleted, model.StatusProcessing:
	default:
		r.Status = model.StatusScheduled
		changed = true
	}

	canonical := slotkey.Format(r.TargetID, r.ProfileKey, r.EventStartsAt)
	if r.SlotKey != canonical {
		r.SlotKey = canonical
		changed = true
	}
	return changed
}

// canonicalizeIDsLocked rekeys every surviving pending and deleted
// record whose ID isn't the deterministic slot key to that canonical
// value. It must run after normalizeLocked: by then at most one record
// per slot key remains in each pool, so the rekey is injective and
// can't collide.
func (s *Store) canonicalizeIDsLocked() bool {
	changed := false
	for _, m := range []map[string]*model.PendingRecord{s.events, s.deleted} {
		for id, r := range m {
			if slotkey.IsDeterministic(r.ID, r.TargetID, r.ProfileKey, r.EventStartsAt) {
				continue
			}
			canonical := slotkey.Format(r.TargetID, r.ProfileKey, r.EventStartsAt)
			delete(m, id)
			r.ID = canonical
			m[canonical] = r
			changed = true
		}
	}
	return changed
}

// normalizeLocked implements C3: for every equivalence class of slot
// keys within pending, keep the highest-priority record and drop the
// rest; then drop deleted entries whose slot key collides with a
// surviving pending entry, and dedup the deleted pool by slot key.
// Returns whether the in-memory state changed.
func (s *Store) normalizeLocked() bool {
	changed := false

	bySlot := make(map[string][]*model.PendingRecord)
	for _, r := range s.events {
		bySlot[r.SlotKey] = append(bySlot[r.SlotKey], r)
	}
	for slotKey, group := range bySlot {
		if len(group) <= 1 {
			continue
		}
		winner := group[0]
		for _, candidate := range group[1:] {
			if dedupRank(candidate) > dedupRank(winner) {
				winner = candidate
			}
		}
		for _, r := range group {
			if r.ID != winner.ID {
				delete(s.events, r.ID)
				changed = true
			}
		}
		_ = slotKey
	}

	pendingSlots := make(map[string]struct{}, len(s.events))
	for _, r := range s.events {
		pendingSlots[r.SlotKey] = struct{}{}
	}
	for id, r := range s.deleted {
		if _, collides := pendingSlots[r.SlotKey]; collides {
			delete(s.deleted, id)
			changed = true
		}
	}

	deletedBySlot := make(map[string][]*model.PendingRecord)
	for _, r := range s.deleted {
		deletedBySlot[r.SlotKey] = append(deletedBySlot[r.SlotKey], r)
	}
	for _, group := range deletedBySlot {
		if len(group) <= 1 {
			continue
		}
		winner := group[0]
		for _, candidate := range group[1:] {
			if winnerDeletedAt, candDeletedAt := winner.DeletedAt, candidate.DeletedAt; candDeletedAt != nil && (winnerDeletedAt == nil || candDeletedAt.After(*winnerDeletedAt)) {
				winner = candidate
			}
		}
		for _, r := range group {
			if r.ID != winner.ID {
				delete(s.deleted, r.ID)
				changed = true
			}
		}
	}

	return changed
}

// dedupRank orders candidates for a colliding slot key: published beats
// everything, then any record carrying a manual override beats every
// plain queued/scheduled/missed/other record regardless of status, and
// only below that tier does status priority break ties.
func dedupRank(r *model.PendingRecord) int {
	if r.Status == model.StatusPublished {
		return overrideTierCount + 1
	}
	if r.ManualOverrides != nil {
		return overrideTierCount
	}
	return model.StatusPriority(r.Status)
}

// overrideTierCount must exceed the highest non-published StatusPriority
// value so the manualOverrides tier always outranks a plain queued,
// scheduled, or missed record.
const overrideTierCount = 4

// Save persists both documents to disk via write-to-temp-then-rename.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	pd := pendingDocument{
		Settings: settingsDoc{DisplayLimit: s.displayLimit},
	}
	for _, r := range s.events {
		pd.Events = append(pd.Events, recordToDoc(r))
	}
	for _, r := range s.deleted {
		pd.DeletedEvents = append(pd.DeletedEvents, recordToDoc(r))
	}
	if err := writeDocumentAtomically(s.pendingPath, pd); err != nil {
		return fmt.Errorf("write pending document: %w", err)
	}

	ad := automationDocument{Profiles: make(map[string]stateDoc, len(s.automation))}
	for key, st := range s.automation {
		ad.Profiles[key] = stateToDoc(st)
	}
	if err := writeDocumentAtomically(s.automationPath, ad); err != nil {
		return fmt.Errorf("write automation state document: %w", err)
	}
	return nil
}

// AllPending returns clones of every pending record regardless of
// status, used by control operations that must see published/cancelled
// records too (e.g. SetKnownTargets, collision checks).
func (s *Store) AllPending() []*model.PendingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.PendingRecord, 0, len(s.events))
	for _, r := range s.events {
		out = append(out, r.Clone())
	}
	return out
}

// AllDeleted returns clones of the entire soft-delete pool.
func (s *Store) AllDeleted() []*model.PendingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.PendingRecord, 0, len(s.deleted))
	for _, r := range s.deleted {
		out = append(out, r.Clone())
	}
	return out
}

// PurgeDeleted removes one entry from the deleted pool outright.
func (s *Store) PurgeDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deleted[id]; !ok {
		return false
	}
	delete(s.deleted, id)
	return true
}

// GetPending returns clones of every record that is neither cancelled
// nor published, optionally filtered to one target.
func (s *Store) GetPending(targetID string) []*model.PendingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PendingRecord
	for _, r := range s.events {
		if r.Status == model.StatusCancelled || r.Status == model.StatusPublished {
			continue
		}
		if targetID != "" && r.TargetID != targetID {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

// GetMissed counts missed records, optionally filtered to one target.
func (s *Store) GetMissed(targetID string) int { return s.countStatus(targetID, model.StatusMissed) }

// GetQueued counts queued records, optionally filtered to one target.
func (s *Store) GetQueued(targetID string) int { return s.countStatus(targetID, model.StatusQueued) }

func (s *Store) countStatus(targetID string, status model.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.events {
		if r.Status != status {
			continue
		}
		if targetID != "" && r.TargetID != targetID {
			continue
		}
		n++
	}
	return n
}

// ByProfile returns clones of every pending record for one profile.
func (s *Store) ByProfile(ref model.ProfileRef) []*model.PendingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		cached, ok := s.cache.Lookup(ctx, ref)
		cancel()
		if ok {
			return cached
		}
	}

	var out []*model.PendingRecord
	for _, r := range s.events {
		if r.TargetID == ref.TargetID && r.ProfileKey == ref.ProfileKey {
			out = append(out, r.Clone())
		}
	}

	if s.cache != nil && out != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.cache.Warm(ctx, ref, out)
		cancel()
	}

	return out
}

// DeletedByProfile returns clones of the deleted pool for one profile.
func (s *Store) DeletedByProfile(ref model.ProfileRef) []*model.PendingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PendingRecord
	for _, r := range s.deleted {
		if r.TargetID == ref.TargetID && r.ProfileKey == ref.ProfileKey {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Get returns a clone of the pending record with the given ID.
func (s *Store) Get(id string) (*model.PendingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.events[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// GetDeleted returns a clone of the deleted record with the given ID.
func (s *Store) GetDeleted(id string) (*model.PendingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.deleted[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// FindBySlotKey returns a clone of the pending record currently holding
// slotKey, if any. A record's ID diverges from its SlotKey once an
// override moves its event start, so callers that only have a slot key
// (the scheduler's timer map) need this instead of Get.
func (s *Store) FindBySlotKey(slotKey string) (*model.PendingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.events {
		if r.SlotKey == slotKey {
			return r.Clone(), true
		}
	}
	return nil, false
}

// HasSlotKey reports whether slotKey is already occupied across pending
// and deleted (invariant 1).
func (s *Store) HasSlotKey(slotKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.events {
		if r.SlotKey == slotKey {
			return true
		}
	}
	for _, r := range s.deleted {
		if r.SlotKey == slotKey {
			return true
		}
	}
	return false
}

// Put inserts or replaces a pending record by ID.
func (s *Store) Put(r *model.PendingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[r.ID] = r.Clone()
	s.invalidate(r.TargetID, r.ProfileKey)
}

// Remove deletes a pending record outright (not a soft-delete).
func (s *Store) Remove(id string) (*model.PendingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.events[id]
	if !ok {
		return nil, false
	}
	delete(s.events, id)
	s.invalidate(r.TargetID, r.ProfileKey)
	return r, true
}

// SoftDelete moves a pending record into the deleted pool, stamping
// DeletedAt and Status.
func (s *Store) SoftDelete(id string, at time.Time) (*model.PendingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.events[id]
	if !ok {
		return nil, false
	}
	delete(s.events, id)
	cp := r.Clone()
	cp.Status = model.StatusDeleted
	cp.DeletedAt = &at
	s.deleted[cp.ID] = cp
	s.invalidate(r.TargetID, r.ProfileKey)
	return cp.Clone(), true
}

// Restore moves a record out of the deleted pool back into pending with
// the given status, clearing DeletedAt.
func (s *Store) Restore(id string, status model.Status) (*model.PendingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.deleted[id]
	if !ok {
		return nil, false
	}
	delete(s.deleted, id)
	cp := r.Clone()
	cp.Status = status
	cp.DeletedAt = nil
	s.events[cp.ID] = cp
	s.invalidate(r.TargetID, r.ProfileKey)
	return cp.Clone(), true
}

// PurgeProfile removes every pending and deleted record for one profile,
// plus its automation state.
func (s *Store) PurgeProfile(ref model.ProfileRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.events {
		if r.TargetID == ref.TargetID && r.ProfileKey == ref.ProfileKey {
			delete(s.events, id)
		}
	}
	for id, r := range s.deleted {
		if r.TargetID == ref.TargetID && r.ProfileKey == ref.ProfileKey {
			delete(s.deleted, id)
		}
	}
	delete(s.automation, ref.String())
	s.invalidate(ref.TargetID, ref.ProfileKey)
}

// AutomationState returns a clone of the per-profile automation state.
func (s *Store) AutomationState(ref model.ProfileRef) (*model.AutomationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.automation[ref.String()]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// PutAutomationState replaces the per-profile automation state.
func (s *Store) PutAutomationState(ref model.ProfileRef, st *model.AutomationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automation[ref.String()] = st.Clone()
	s.invalidate(ref.TargetID, ref.ProfileKey)
}

// DisplayLimit returns the advisory display-limit setting.
func (s *Store) DisplayLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayLimit
}

// SetDisplayLimit updates the advisory display-limit setting.
func (s *Store) SetDisplayLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayLimit = n
}

func (s *Store) invalidate(targetID, profileKey string) {
	if s.cache != nil {
		s.cache.Invalidate(model.ProfileRef{TargetID: targetID, ProfileKey: profileKey})
	}
}

func readPendingDocument(path string) (pendingDocument, error) {
	var pd pendingDocument
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pd, nil
		}
		return pd, err
	}
	if len(data) == 0 {
		return pd, nil
	}
	if err := json.Unmarshal(data, &pd); err != nil {
		return pd, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return pd, nil
}

func readAutomationDocument(path string) (automationDocument, error) {
	ad := automationDocument{Profiles: make(map[string]stateDoc)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ad, nil
		}
		return ad, err
	}
	if len(data) == 0 {
		return ad, nil
	}
	if err := json.Unmarshal(data, &ad); err != nil {
		return ad, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	if ad.Profiles == nil {
		ad.Profiles = make(map[string]stateDoc)
	}
	return ad, nil
}

// writeDocumentAtomically marshals v and writes it to path via a
// temp-file-then-rename, so a crash mid-write never leaves a partial
// document on disk.
func writeDocumentAtomically(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
