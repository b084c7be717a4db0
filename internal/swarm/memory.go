package swarm

import (
	"cmp"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type RetentionPolicy string

const (
	RetainFIFO     RetentionPolicy = "fifo"
	RetainLRU      RetentionPolicy = "lru"
	RetainPriority RetentionPolicy = "priority"
)

func (p RetentionPolicy) IsValid() bool {
	switch p {
	case RetainFIFO, RetainLRU, RetainPriority:
		return true
	}
	return false
}

type EntryType string

const (
	EntryConversation EntryType = "conversation"
	EntryCode         EntryType = "code"
	EntryDecision     EntryType = "decision"
	EntryOutcome      EntryType = "outcome"
)

func (t EntryType) IsValid() bool {
	switch t {
	case EntryConversation, EntryCode, EntryDecision, EntryOutcome:
		return true
	}
	return false
}

type MemoryEntry struct {
	ID         string          `json:"id"`
	Type       EntryType       `json:"type"`
	Content    json.RawMessage `json:"content"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Importance int             `json:"importance"`
	Timestamp  time.Time       `json:"timestamp"`
	Seq        uint64          `json:"seq"`
	Access     uint64          `json:"access"`
}

// MemorySnapshot is the persistable form of one namespace.
type MemorySnapshot struct {
	Namespace string          `json:"namespace"`
	Capacity  int             `json:"capacity"`
	Policy    RetentionPolicy `json:"retention_policy"`
	Clock     uint64          `json:"clock"`
	Entries   []MemoryEntry   `json:"entries"`
}

// Predicate selects memory entries in queries.
type Predicate func(MemoryEntry) bool

func MatchAll() Predicate {
	return func(MemoryEntry) bool { return true }
}

func MatchType(t EntryType) Predicate {
	return func(e MemoryEntry) bool { return e.Type == t }
}

func MatchMinImportance(n int) Predicate {
	return func(e MemoryEntry) bool { return e.Importance >= n }
}

// MatchText does a case-insensitive substring match over the content and the
// metadata values. An empty query matches everything.
func MatchText(q string) Predicate {
	q = strings.ToLower(strings.TrimSpace(q))
	return func(e MemoryEntry) bool {
		if q == "" {
			return true
		}
		if strings.Contains(strings.ToLower(string(e.Content)), q) {
			return true
		}
		for k, v := range e.Metadata {
			if strings.Contains(strings.ToLower(k), q) || strings.Contains(strings.ToLower(fmt.Sprint(v)), q) {
				return true
			}
		}
		return false
	}
}

func And(preds ...Predicate) Predicate {
	return func(e MemoryEntry) bool {
		for _, p := range preds {
			if p != nil && !p(e) {
				return false
			}
		}
		return true
	}
}

// MemoryStore is a keyed, capacity-bounded entry store split into namespaces.
// Inserting into a full namespace evicts exactly one entry chosen by the
// namespace's retention policy. All methods are safe for concurrent use and
// readers only ever see whole entries.
type MemoryStore struct {
	mu              sync.RWMutex
	spaces          map[string]*memorySpace
	defaultCapacity int
	defaultPolicy   RetentionPolicy
	now             func() time.Time
}

type memorySpace struct {
	capacity int
	policy   RetentionPolicy
	clock    uint64
	entries  map[string]*MemoryEntry
}

func NewMemoryStore(defaultCapacity int, defaultPolicy RetentionPolicy) *MemoryStore {
	if defaultCapacity <= 0 {
		defaultCapacity = 1000
	}
	if !defaultPolicy.IsValid() {
		defaultPolicy = RetainLRU
	}
	return &MemoryStore{
		spaces:          make(map[string]*memorySpace),
		defaultCapacity: defaultCapacity,
		defaultPolicy:   defaultPolicy,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Namespace declares a namespace. Re-declaring with another capacity fails;
// the retention policy may be changed.
func (m *MemoryStore) Namespace(name string, capacity int, policy RetentionPolicy) error {
	if name == "" {
		return invalid("namespace", nil, "namespace is required")
	}
	if capacity <= 0 {
		return invalid("capacity", nil, "capacity must be positive, got %d", capacity)
	}
	if !policy.IsValid() {
		return invalid("retention_policy", nil, "unknown retention policy %q", policy)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.spaces[name]; ok {
		if s.capacity != capacity {
			return fmt.Errorf("%w: %s has capacity %d", ErrCapacityImmutable, name, s.capacity)
		}
		s.policy = policy
		return nil
	}
	m.spaces[name] = &memorySpace{
		capacity: capacity,
		policy:   policy,
		entries:  make(map[string]*MemoryEntry),
	}
	return nil
}

// Put stores the entry, evicting one entry first when the namespace is full.
// It returns the stored entry and the id of the evicted entry, if any.
func (m *MemoryStore) Put(ns string, e MemoryEntry) (MemoryEntry, string, error) {
	if ns == "" {
		return MemoryEntry{}, "", invalid("namespace", nil, "namespace is required")
	}
	if e.Type == "" {
		e.Type = EntryConversation
	}
	if !e.Type.IsValid() {
		return MemoryEntry{}, "", invalid("type", nil, "unknown entry type %q", e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.spaces[ns]
	if !ok {
		s = &memorySpace{
			capacity: m.defaultCapacity,
			policy:   m.defaultPolicy,
			entries:  make(map[string]*MemoryEntry),
		}
		m.spaces[ns] = s
	}

	s.clock++
	if existing, ok := s.entries[e.ID]; ok {
		e.Seq = existing.Seq
		e.Access = s.clock
		c := cloneEntry(e)
		s.entries[e.ID] = &c
		return cloneEntry(c), "", nil
	}

	var evicted string
	if len(s.entries) >= s.capacity {
		if v := s.victim(); v != nil {
			evicted = v.ID
			delete(s.entries, v.ID)
		}
	}
	e.Seq = s.clock
	e.Access = s.clock
	c := cloneEntry(e)
	s.entries[e.ID] = &c
	return cloneEntry(c), evicted, nil
}

func (s *memorySpace) victim() *MemoryEntry {
	var v *MemoryEntry
	for _, e := range s.entries {
		if v == nil || s.evictsBefore(e, v) {
			v = e
		}
	}
	return v
}

func (s *memorySpace) evictsBefore(a, b *MemoryEntry) bool {
	switch s.policy {
	case RetainLRU:
		return a.Access < b.Access
	case RetainPriority:
		if a.Importance != b.Importance {
			return a.Importance < b.Importance
		}
	}
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

// Get returns a single entry and records the read for LRU bookkeeping.
func (m *MemoryStore) Get(ns, id string) (MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spaces[ns]
	if !ok {
		return MemoryEntry{}, fmt.Errorf("%w: %s", ErrNamespaceNotFound, ns)
	}
	e, ok := s.entries[id]
	if !ok {
		return MemoryEntry{}, fmt.Errorf("memory entry %s not found in %s", id, ns)
	}
	s.clock++
	e.Access = s.clock
	return cloneEntry(*e), nil
}

// Query yields matching entries by descending importance, then most recent
// first. Matches are taken from a consistent view when iteration starts; each
// yielded entry counts as read for LRU purposes.
func (m *MemoryStore) Query(ns string, match Predicate) iter.Seq[MemoryEntry] {
	if match == nil {
		match = MatchAll()
	}
	return func(yield func(MemoryEntry) bool) {
		for _, e := range m.collect(ns, match) {
			m.touch(ns, e.ID)
			if !yield(e) {
				return
			}
		}
	}
}

func (m *MemoryStore) collect(ns string, match Predicate) []MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.spaces[ns]
	if !ok {
		return nil
	}
	var hits []MemoryEntry
	for _, e := range s.entries {
		c := cloneEntry(*e)
		if match(c) {
			hits = append(hits, c)
		}
	}
	slices.SortFunc(hits, func(a, b MemoryEntry) int {
		if c := cmp.Compare(b.Importance, a.Importance); c != 0 {
			return c
		}
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})
	return hits
}

func (m *MemoryStore) touch(ns, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.spaces[ns]; ok {
		if e, ok := s.entries[id]; ok {
			s.clock++
			e.Access = s.clock
		}
	}
}

func (m *MemoryStore) Len(ns string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.spaces[ns]; ok {
		return len(s.entries)
	}
	return 0
}

// Has reports whether the namespace holds an entry with the id. It does not
// count as a read.
func (m *MemoryStore) Has(ns, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.spaces[ns]; ok {
		_, found := s.entries[id]
		return found
	}
	return false
}

// Snapshot captures a namespace with entries in insertion order.
func (m *MemoryStore) Snapshot(ns string) (MemorySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.spaces[ns]
	if !ok {
		return MemorySnapshot{}, fmt.Errorf("%w: %s", ErrNamespaceNotFound, ns)
	}
	snap := MemorySnapshot{
		Namespace: ns,
		Capacity:  s.capacity,
		Policy:    s.policy,
		Clock:     s.clock,
		Entries:   make([]MemoryEntry, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, cloneEntry(*e))
	}
	slices.SortFunc(snap.Entries, func(a, b MemoryEntry) int { return cmp.Compare(a.Seq, b.Seq) })
	return snap, nil
}

// Restore replaces a namespace with the snapshot contents.
func (m *MemoryStore) Restore(snap MemorySnapshot) error {
	if snap.Namespace == "" || snap.Capacity <= 0 || !snap.Policy.IsValid() {
		return invalid("memory", nil, "malformed memory snapshot for %q", snap.Namespace)
	}
	if len(snap.Entries) > snap.Capacity {
		return invalid("memory", nil, "snapshot holds %d entries, capacity %d", len(snap.Entries), snap.Capacity)
	}
	s := &memorySpace{
		capacity: snap.Capacity,
		policy:   snap.Policy,
		clock:    snap.Clock,
		entries:  make(map[string]*MemoryEntry, len(snap.Entries)),
	}
	for _, e := range snap.Entries {
		c := cloneEntry(e)
		s.entries[c.ID] = &c
		s.clock = max(s.clock, c.Seq, c.Access)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[snap.Namespace] = s
	return nil
}

func cloneEntry(e MemoryEntry) MemoryEntry {
	e.Content = slices.Clone(e.Content)
	if e.Metadata != nil {
		e.Metadata = cloneValue(e.Metadata).(map[string]any)
	}
	return e
}

// cloneValue deep-copies the JSON-shaped containers metadata is made of.
// Other values are copied as is.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, x := range v {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = cloneValue(x)
		}
		return out
	case map[string]string:
		return maps.Clone(v)
	case []string:
		return slices.Clone(v)
	case json.RawMessage:
		return slices.Clone(v)
	}
	return v
}
