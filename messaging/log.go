package messaging

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultSeenCacheSize bounds how many message ids are remembered after they
// leave the log.
const DefaultSeenCacheSize = 4096

// ChangeKind describes a mutation of the log.
type ChangeKind uint8

const (
	// ChangeAdded reports a new message.
	ChangeAdded ChangeKind = iota
	// ChangeStatus reports a status transition.
	ChangeStatus
	// ChangeRemoved reports messages removed by a retention sweep.
	ChangeRemoved
	// ChangeCleared reports the whole log was wiped.
	ChangeCleared
)

// Change is delivered to the log observer after every mutation. Message is
// set for ChangeAdded and ChangeStatus; Count for ChangeRemoved and
// ChangeCleared.
type Change struct {
	Kind    ChangeKind
	Message Message
	Count   int
}

// Log is the ordered, de-duplicated conversation history. Entries are kept
// sorted by timestamp with ties broken by id. It is safe for concurrent use.
type Log struct {
	mu       sync.RWMutex
	entries  []Message
	index    map[string]int
	seen     *lru.Cache
	observer func(Change)
}

// NewLog creates an empty log that remembers up to seenSize ids of messages
// no longer held, so late duplicates are still rejected.
func NewLog(seenSize int) (*Log, error) {
	if seenSize <= 0 {
		seenSize = DefaultSeenCacheSize
	}
	seen, err := lru.New(seenSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}
	return &Log{
		index: make(map[string]int),
		seen:  seen,
	}, nil
}

// OnChange registers fn to be called after every mutation. The callback runs
// without the log lock held.
func (l *Log) OnChange(fn func(Change)) {
	l.mu.Lock()
	l.observer = fn
	l.mu.Unlock()
}

func (l *Log) notify(c Change) {
	l.mu.RLock()
	fn := l.observer
	l.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

func less(a, b Message) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

// Append inserts msg in order. It returns false if a message with the same id
// is already present or was seen recently.
func (l *Log) Append(msg Message) bool {
	l.mu.Lock()
	if _, ok := l.index[msg.ID]; ok {
		l.mu.Unlock()
		return false
	}
	if found, _ := l.seen.ContainsOrAdd(msg.ID, struct{}{}); found {
		l.mu.Unlock()
		return false
	}

	pos := sort.Search(len(l.entries), func(i int) bool {
		return less(msg, l.entries[i])
	})
	l.entries = append(l.entries, Message{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = msg
	if pos == len(l.entries)-1 {
		l.index[msg.ID] = pos
	} else {
		l.reindexFrom(pos)
	}
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeAdded, Message: msg})
	return true
}

func (l *Log) reindexFrom(pos int) {
	for i := pos; i < len(l.entries); i++ {
		l.index[l.entries[i].ID] = i
	}
}

// UpdateStatus moves the message with id to next. It returns the updated
// message and true only if the transition is permitted.
func (l *Log) UpdateStatus(id string, next Status) (Message, bool) {
	l.mu.Lock()
	i, ok := l.index[id]
	if !ok || !l.entries[i].Status.CanTransition(next) {
		l.mu.Unlock()
		return Message{}, false
	}
	l.entries[i].Status = next
	msg := l.entries[i]
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeStatus, Message: msg})
	return msg, true
}

// Get returns the message with id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.entries[i], true
}

// Len returns the number of messages held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns a copy of the log in display order.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// PruneBefore removes every message with a timestamp before cutoff and
// returns how many were removed. Their ids stay in the seen cache.
func (l *Log) PruneBefore(cutoff time.Time) int {
	l.mu.Lock()
	n := sort.Search(len(l.entries), func(i int) bool {
		return !l.entries[i].Timestamp.Before(cutoff)
	})
	if n == 0 {
		l.mu.Unlock()
		return 0
	}
	for i := 0; i < n; i++ {
		delete(l.index, l.entries[i].ID)
		l.entries[i] = Message{}
	}
	l.entries = append(l.entries[:0], l.entries[n:]...)
	l.reindexFrom(0)
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeRemoved, Count: n})
	return n
}

// Clear erases every message and the seen cache.
func (l *Log) Clear() int {
	l.mu.Lock()
	n := len(l.entries)
	for i := range l.entries {
		l.entries[i] = Message{}
	}
	l.entries = nil
	l.index = make(map[string]int)
	l.seen.Purge()
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeCleared, Count: n})
	return n
}

// Restore loads previously persisted messages without notifying the
// observer. Duplicates are skipped.
func (l *Log) Restore(msgs []Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if _, ok := l.index[m.ID]; ok {
			continue
		}
		l.seen.Add(m.ID, struct{}{})
		l.entries = append(l.entries, m)
		l.index[m.ID] = len(l.entries) - 1
		added++
	}
	sort.SliceStable(l.entries, func(i, j int) bool { return less(l.entries[i], l.entries[j]) })
	l.reindexFrom(0)
	return added
}
