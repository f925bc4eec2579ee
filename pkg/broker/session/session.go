// Package session models the per-connection Session: its identity,
// instruction-hash de-duplication state, pending tool calls, low-confidence
// counter, and RAG cache.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Snippet is a single scored, truncated retrieval result with source
// attribution, transient per tool-call request.
type Snippet struct {
	Content  string
	Score    float64
	FileID   string
	Filename string
	Source   string
}

// RagCacheEntry is a normalized-query cache entry inserted on a confident
// retrieval and evicted after its TTL or on session teardown.
type RagCacheEntry struct {
	NormalizedQuery string
	Context         string
	SourceIDs       []string
	InsertedAt      time.Time
}

func (e RagCacheEntry) expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.InsertedAt) >= ttl
}

// PendingToolCall accumulates streamed function-call argument deltas for a
// single call_id until the upstream signals the call is done.
type PendingToolCall struct {
	CallID   string
	Name     string
	Argument strings.Builder
}

// Session is the broker's view of one client<->upstream conversation. All
// fields below "pending", "cache", and the counters are touched only from
// within the owning connection's goroutines; no internal
// locking is required for those, but the struct is still safe to read
// concurrently for metrics/heartbeat purposes via the accessor methods that
// do lock.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu                 sync.Mutex
	paused             bool
	lastInstructionHash uint64
	hasInstructionHash  bool
	lowConfidenceCount  int
	lastToolAt          time.Time

	pendingMu sync.Mutex
	pending   map[string]*PendingToolCall

	cacheMu sync.Mutex
	cache   map[string]RagCacheEntry
	cacheTTL time.Duration
}

func New(id string, now time.Time, ragCacheTTL time.Duration) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		pending:   make(map[string]*PendingToolCall),
		cache:     make(map[string]RagCacheEntry),
		cacheTTL:  ragCacheTTL,
	}
}

// HashInstructions returns a stable hash over an instruction string. Hashing
// is not a security boundary — any stable hash suffices.
func HashInstructions(instructions string) uint64 {
	return xxhash.Sum64String(instructions)
}

// MaybeUpdateInstructionHash reports whether newInstructions differs from
// the last-recorded instruction hash, and if so records the new hash. It
// returns false (no-op) when the hash is unchanged, enforcing the
// de-duplication invariant.
func (s *Session) MaybeUpdateInstructionHash(newInstructions string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := HashInstructions(newInstructions)
	if s.hasInstructionHash && h == s.lastInstructionHash {
		return false
	}
	s.lastInstructionHash = h
	s.hasInstructionHash = true
	return true
}

func (s *Session) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// LowConfidenceCount returns the current consecutive low-confidence tool
// counter.
func (s *Session) LowConfidenceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowConfidenceCount
}

// IncrementLowConfidence bumps the counter and returns the new value.
func (s *Session) IncrementLowConfidence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lowConfidenceCount++
	return s.lowConfidenceCount
}

// ResetLowConfidence clears the counter after a confident retrieval.
func (s *Session) ResetLowConfidence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lowConfidenceCount = 0
}

// AllowTool reports whether a tool dispatch at "now" respects the minimum
// inter-call spacing, recording "now" as the last dispatch time when
// allowed. This is the session-local half of the rate limit;
// pkg/broker/tools.Limiter is a separate token-bucket limiter that keeps its
// own golang.org/x/time/rate state per session and does not call this.
func (s *Session) AllowTool(now time.Time, minSpacing time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastToolAt.IsZero() && now.Sub(s.lastToolAt) < minSpacing {
		return false
	}
	s.lastToolAt = now
	return true
}

// PendingToolCallFor returns the accumulator for callID, creating one if
// absent, and records name on first creation.
func (s *Session) PendingToolCallFor(callID, name string) *PendingToolCall {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[callID]
	if !ok {
		p = &PendingToolCall{CallID: callID, Name: name}
		s.pending[callID] = p
	}
	return p
}

// TakePendingToolCall removes and returns the accumulator for callID, if
// any.
func (s *Session) TakePendingToolCall(callID string) (*PendingToolCall, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	return p, ok
}

// ClearPendingToolCalls drops all pending accumulators, used on teardown.
func (s *Session) ClearPendingToolCalls() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = make(map[string]*PendingToolCall)
}

// NormalizeQuery collapses whitespace and lowercases q for use as a cache
// key.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// CacheGet returns the cached entry for the normalized query, if present and
// not expired relative to now.
func (s *Session) CacheGet(query string, now time.Time) (RagCacheEntry, bool) {
	key := NormalizeQuery(query)
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return RagCacheEntry{}, false
	}
	if entry.expired(now, s.cacheTTL) {
		delete(s.cache, key)
		return RagCacheEntry{}, false
	}
	return entry, true
}

// CacheSet inserts or replaces the cache entry for the normalized query.
func (s *Session) CacheSet(query string, entry RagCacheEntry) {
	key := NormalizeQuery(query)
	entry.NormalizedQuery = key
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[key] = entry
}

// ClearCache empties the RAG cache, used on teardown.
func (s *Session) ClearCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = make(map[string]RagCacheEntry)
}
