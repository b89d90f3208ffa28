package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/rickgao/marketfeed/internal/model"
)

// Snapshot counts records per state.
type Snapshot struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// ActiveRate returns Active/Total, 0 for an empty ledger.
func (s Snapshot) ActiveRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Active) / float64(s.Total)
}

type record struct {
	model.SubscriptionRecord
	seq uint64 // insertion order
}

// Ledger tracks desired, confirmed and failed subscriptions.
type Ledger struct {
	mu      sync.RWMutex
	records map[model.InstrumentKey]*record
	nextSeq uint64
	now     func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		records: make(map[model.InstrumentKey]*record),
		now:     time.Now,
	}
}

// MarkDesired records keys under mode. New keys start Pending; known keys keep their state
// and take the new mode. Returns the keys that were newly added, in argument order.
func (l *Ledger) MarkDesired(keys []model.InstrumentKey, mode model.Mode) []model.InstrumentKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := make([]model.InstrumentKey, 0, len(keys))
	for _, k := range keys {
		if r, ok := l.records[k]; ok {
			r.Mode = mode
			continue
		}
		l.nextSeq++
		l.records[k] = &record{
			SubscriptionRecord: model.SubscriptionRecord{Key: k, Mode: mode, State: model.StatePending},
			seq:                l.nextSeq,
		}
		added = append(added, k)
	}
	return added
}

// MarkAttempted stamps the attempt time and bumps the attempt count.
func (l *Ledger) MarkAttempted(keys []model.InstrumentKey) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, k := range keys {
		if r, ok := l.records[k]; ok {
			r.LastAttempt = now
			r.Attempts++
		}
	}
}

// MarkAcknowledged moves keys to Active. Unknown keys are ignored.
func (l *Ledger) MarkAcknowledged(keys []model.InstrumentKey) {
	l.setState(keys, model.StateActive)
}

// MarkFailed moves keys to Failed. Unknown keys are ignored.
func (l *Ledger) MarkFailed(keys []model.InstrumentKey) {
	l.setState(keys, model.StateFailed)
}

func (l *Ledger) setState(keys []model.InstrumentKey, state model.SubscriptionState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, k := range keys {
		if r, ok := l.records[k]; ok {
			r.State = state
		}
	}
}

// MarkAllPendingOnSessionReset demotes every Active record to Pending and returns how many moved.
func (l *Ledger) MarkAllPendingOnSessionReset() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, r := range l.records {
		if r.State == model.StateActive {
			r.State = model.StatePending
			n++
		}
	}
	return n
}

// Remove deletes records. Only explicit unsubscription removes a record.
func (l *Ledger) Remove(keys []model.InstrumentKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, k := range keys {
		if _, ok := l.records[k]; ok {
			delete(l.records, k)
			n++
		}
	}
	return n
}

// State returns the state of key.
func (l *Ledger) State(key model.InstrumentKey) (model.SubscriptionState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.records[key]
	if !ok {
		return 0, false
	}
	return r.State, true
}

// IsActive reports whether key is known and Active.
func (l *Ledger) IsActive(key model.InstrumentKey) bool {
	s, ok := l.State(key)
	return ok && s == model.StateActive
}

// Record returns a copy of the record for key.
func (l *Ledger) Record(key model.InstrumentKey) (model.SubscriptionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.records[key]
	if !ok {
		return model.SubscriptionRecord{}, false
	}
	return r.SubscriptionRecord, true
}

// Keys returns keys in the given states, in insertion order. No states means all keys.
func (l *Ledger) Keys(states ...model.SubscriptionState) []model.InstrumentKey {
	recs := l.Records(states...)
	keys := make([]model.InstrumentKey, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	return keys
}

// Records returns copies of records in the given states, in insertion order.
func (l *Ledger) Records(states ...model.SubscriptionState) []model.SubscriptionRecord {
	l.mu.RLock()
	matched := make([]*record, 0, len(l.records))
	for _, r := range l.records {
		if matchState(r.State, states) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]model.SubscriptionRecord, len(matched))
	for i, r := range matched {
		out[i] = r.SubscriptionRecord
	}
	l.mu.RUnlock()
	return out
}

func matchState(s model.SubscriptionState, states []model.SubscriptionState) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

// CountByMode returns how many records are held under mode.
func (l *Ledger) CountByMode(mode model.Mode) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, r := range l.records {
		if r.Mode == mode {
			n++
		}
	}
	return n
}

// Snapshot returns state counts.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Snapshot{Total: len(l.records)}
	for _, r := range l.records {
		switch r.State {
		case model.StateActive:
			s.Active++
		case model.StatePending:
			s.Pending++
		case model.StateFailed:
			s.Failed++
		}
	}
	return s
}
