package secctx

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditEventType names the kind of an AuditEntry.
type AuditEventType string

const (
	EventContextCreated    AuditEventType = "context_created"
	EventContextPropagated AuditEventType = "context_propagated"
	EventContextValidated  AuditEventType = "context_validated"
	EventContextExpired    AuditEventType = "context_expired"
	EventSecurityViolation AuditEventType = "security_violation"
)

// Reasons recorded on context_expired entries.
const (
	ReasonManualRevocation = "manual_revocation"
	ReasonAutomaticCleanup = "automatic_cleanup"
	ReasonSessionRevoked   = "session_revoked"
)

// AuditEntry is one immutable record in the audit trail.
type AuditEntry struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	EventType     AuditEventType    `json:"eventType"`
	ContextID     string            `json:"contextId"`
	Component     string            `json:"component,omitempty"`
	SecurityLevel SecurityLevel     `json:"securityLevel,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// AuditFilter selects entries from the trail. Zero fields match everything.
type AuditFilter struct {
	ContextID string
	EventType AuditEventType
	Since     time.Time
	Limit     int
}

func (f AuditFilter) matches(e AuditEntry) bool {
	if f.ContextID != "" && e.ContextID != f.ContextID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// auditTrail is an append-only log kept in timestamp order. Trimming drops
// the oldest entries first.
type auditTrail struct {
	mu         sync.RWMutex
	entries    []AuditEntry
	maxEntries int
	maxAge     time.Duration
}

func newAuditTrail(maxEntries int, maxAge time.Duration) *auditTrail {
	return &auditTrail{maxEntries: maxEntries, maxAge: maxAge}
}

// append stamps e with now() and a fresh id under the lock, so entries stay
// in timestamp order.
func (a *auditTrail) append(now func() time.Time, e AuditEntry) AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	e.Timestamp = now()
	e.ID = ulid.Make().String()
	a.entries = append(a.entries, e)
	return e
}

// trim removes entries older than maxAge relative to now, then the oldest
// entries beyond maxEntries. It returns the number removed.
func (a *auditTrail) trim(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	drop := 0
	if a.maxAge > 0 {
		cutoff := now.Add(-a.maxAge)
		for drop < len(a.entries) && a.entries[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if a.maxEntries > 0 && len(a.entries)-drop > a.maxEntries {
		drop = len(a.entries) - a.maxEntries
	}
	if drop == 0 {
		return 0
	}

	kept := make([]AuditEntry, len(a.entries)-drop)
	copy(kept, a.entries[drop:])
	a.entries = kept
	return drop
}

func (a *auditTrail) query(f AuditFilter) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []AuditEntry
	for _, e := range a.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, copyEntry(e))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (a *auditTrail) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

func copyEntry(e AuditEntry) AuditEntry {
	if e.Details != nil {
		d := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}
