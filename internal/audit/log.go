// Package audit implements the tamper-evident audit trail. Every
// lifecycle event is appended to a SHA-256 hash chain; any mutation of a
// stored entry breaks verification at that sequence number.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hydrowatch/backend/internal/clock"
)

// ============================================================================
// EVENT TYPES
// ============================================================================

// Kind categorizes an audit entry.
type Kind string

const (
	KindAlertCreated          Kind = "ALERT_CREATED"
	KindAlertAcknowledged     Kind = "ALERT_ACKNOWLEDGED"
	KindAlertResolved         Kind = "ALERT_RESOLVED"
	KindAlertFeedback         Kind = "ALERT_FEEDBACK"
	KindValveCommand          Kind = "VALVE_COMMAND"
	KindValveChanged          Kind = "VALVE_CHANGED"
	KindValveClosureRedundant Kind = "VALVE_CLOSURE_REDUNDANT"
	KindModelTrained          Kind = "MODEL_TRAINED"
	KindModelLoaded           Kind = "MODEL_LOADED"
	KindNotification          Kind = "NOTIFICATION"
	KindSystemStart           Kind = "SYSTEM_START"
	KindSystemStop            Kind = "SYSTEM_STOP"
)

// genesisHash anchors the chain before the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ============================================================================
// ENTRIES
// ============================================================================

// Entry is one immutable audit record. Sequence numbers start at 1 and
// never repeat within a chain.
type Entry struct {
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      Kind                   `json:"kind"`
	SubjectID string                 `json:"subject_id"`
	Actor     string                 `json:"actor"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
	Hash      string                 `json:"hash"`
}

// computeHash hashes the entry's canonical form. The payload is marshaled
// through encoding/json, which sorts map keys, so the digest is stable
// across runs.
func (e *Entry) computeHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|", e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Kind, e.SubjectID, e.Actor)
	if e.Payload != nil {
		canonical, _ := json.Marshal(e.Payload)
		h.Write(canonical)
	}
	fmt.Fprintf(h, "|%s", e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// IntegrityError reports the first broken link found by Verify.
type IntegrityError struct {
	Seq      uint64
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: expected hash %s, got %s", e.Seq, e.Expected, e.Actual)
}

// ============================================================================
// CHAIN
// ============================================================================

// Log is the in-memory hash chain. Appends serialize on a single mutex;
// reads copy out so callers can never mutate stored entries.
type Log struct {
	clock clock.Clock

	mu       sync.RWMutex
	entries  []*Entry
	lastHash string
	nextSeq  uint64

	logger *log.Logger
}

// New creates an empty audit log.
func New(clk clock.Clock) *Log {
	return &Log{
		clock:    clk,
		lastHash: genesisHash,
		nextSeq:  1,
		logger:   log.New(log.Writer(), "[Audit] ", log.LstdFlags),
	}
}

// Append records an event and returns the stored entry.
func (l *Log) Append(kind Kind, subjectID, actor string, payload map[string]interface{}) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		Seq:       l.nextSeq,
		Timestamp: l.clock.Now().UTC(),
		Kind:      kind,
		SubjectID: subjectID,
		Actor:     actor,
		Payload:   payload,
		PrevHash:  l.lastHash,
	}
	entry.Hash = entry.computeHash()

	l.entries = append(l.entries, entry)
	l.lastHash = entry.Hash
	l.nextSeq++
	return entry
}

// Len reports the number of entries in the chain.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify recomputes every hash and link. Returns nil for an intact chain
// and an *IntegrityError naming the first broken sequence otherwise.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for _, e := range l.entries {
		if e.PrevHash != prev {
			return &IntegrityError{Seq: e.Seq, Expected: prev, Actual: e.PrevHash}
		}
		if computed := e.computeHash(); computed != e.Hash {
			return &IntegrityError{Seq: e.Seq, Expected: computed, Actual: e.Hash}
		}
		prev = e.Hash
	}
	return nil
}

// Query returns entries matching the filter, oldest first. Zero-valued
// filter fields match everything.
type Query struct {
	Kind      Kind
	SubjectID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Entries returns copies of the matching entries.
func (l *Log) Entries(q Query) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if q.SubjectID != "" && e.SubjectID != q.SubjectID {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, *e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Reset discards the chain and restarts sequence numbering at 1.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.lastHash = genesisHash
	l.nextSeq = 1
	l.logger.Printf("Chain reset")
}
