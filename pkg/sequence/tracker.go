// Package sequence tracks per-session message ordering in both directions.
// Outbound envelopes get strictly increasing numbers, inbound numbers are
// checked for duplicates and gaps so the session can ask for a full resync
// instead of trusting stale state.
package sequence

import "sync"

type Verdict int

const (
	Accept Verdict = iota
	DuplicateDiscard
	GapDetected
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case DuplicateDiscard:
		return "duplicate-discard"
	case GapDetected:
		return "gap-detected"
	}
	return "unknown"
}

type Tracker struct {
	mu           sync.Mutex
	lastSent     uint64
	lastAccepted uint64
	sawInbound   bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// NextOutbound returns the number to stamp on the next outbound envelope.
// Callers must send envelopes in the order they obtained numbers.
func (t *Tracker) NextOutbound() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent++
	return t.lastSent
}

func (t *Tracker) LastSent() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSent
}

// ValidateInbound classifies a received sequence number. Zero means the
// server does not sequence its pushes and the envelope is accepted without
// tracking. The first nonzero number seen becomes the baseline, afterwards
// anything at or below the baseline is a duplicate and any jump past the
// successor is a gap. A gap advances the baseline so one lost envelope
// produces exactly one GapDetected.
func (t *Tracker) ValidateInbound(seq uint64) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seq == 0 {
		return Accept
	}
	if !t.sawInbound {
		t.sawInbound = true
		t.lastAccepted = seq
		return Accept
	}
	switch {
	case seq <= t.lastAccepted:
		return DuplicateDiscard
	case seq == t.lastAccepted+1:
		t.lastAccepted = seq
		return Accept
	default:
		t.lastAccepted = seq
		return GapDetected
	}
}

// Resume restores the outbound counter from a previous session so numbering
// continues instead of restarting, which the peer would read as a replay.
func (t *Tracker) Resume(lastSent uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = lastSent
}

// ResetInbound forgets the server's stream position. Used on reconnect, where
// the server starts a fresh push stream.
func (t *Tracker) ResetInbound() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAccepted = 0
	t.sawInbound = false
}

// Reset clears both directions for a brand new logical session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = 0
	t.lastAccepted = 0
	t.sawInbound = false
}

func (t *Tracker) Snapshot() (lastSent, lastAccepted uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSent, t.lastAccepted
}
