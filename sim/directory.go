package sim

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/opd-ai/parallel/interfaces"
)

// ErrUnknownPeer is returned by Heartbeat for a peer that never registered.
var ErrUnknownPeer = errors.New("peer not registered")

// Directory is an in-memory presence store. Every mutation pushes the full
// room membership to all subscribers of that room.
type Directory struct {
	mu           sync.Mutex
	rooms        map[string]map[string]interfaces.PeerRecord
	subs         map[string]map[chan []interfaces.PeerRecord]struct{}
	timeProvider interfaces.TimeProvider
	fail         error
}

// NewDirectory creates an empty directory stamping records with tp.
func NewDirectory(tp interfaces.TimeProvider) *Directory {
	if tp == nil {
		tp = interfaces.DefaultTimeProvider{}
	}
	return &Directory{
		rooms:        make(map[string]map[string]interfaces.PeerRecord),
		subs:         make(map[string]map[chan []interfaces.PeerRecord]struct{}),
		timeProvider: tp,
	}
}

// FailWith makes every following operation return err until called with nil.
func (d *Directory) FailWith(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// Register implements interfaces.Directory.
func (d *Directory) Register(_ context.Context, room string, rec interfaces.PeerRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	rec.LastSeen = d.timeProvider.Now()
	d.roomLocked(room)[rec.PeerID] = rec
	d.pushLocked(room)
	return nil
}

// Inject stores rec verbatim, including its LastSeen, and pushes.
func (d *Directory) Inject(room string, rec interfaces.PeerRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roomLocked(room)[rec.PeerID] = rec
	d.pushLocked(room)
}

// Push re-sends the current membership of room without changing it.
func (d *Directory) Push(room string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushLocked(room)
}

// Heartbeat implements interfaces.Directory.
func (d *Directory) Heartbeat(_ context.Context, room, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	members := d.roomLocked(room)
	rec, ok := members[peerID]
	if !ok {
		return ErrUnknownPeer
	}
	rec.LastSeen = d.timeProvider.Now()
	members[peerID] = rec
	d.pushLocked(room)
	return nil
}

// Unregister implements interfaces.Directory.
func (d *Directory) Unregister(_ context.Context, room, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	delete(d.roomLocked(room), peerID)
	d.pushLocked(room)
	return nil
}

// Subscribe implements interfaces.Directory. The current membership is
// pushed immediately.
func (d *Directory) Subscribe(ctx context.Context, room string) (<-chan []interfaces.PeerRecord, error) {
	d.mu.Lock()
	if d.fail != nil {
		d.mu.Unlock()
		return nil, d.fail
	}
	ch := make(chan []interfaces.PeerRecord, 1)
	if d.subs[room] == nil {
		d.subs[room] = make(map[chan []interfaces.PeerRecord]struct{})
	}
	d.subs[room][ch] = struct{}{}
	ch <- d.snapshotLocked(room)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.subs[room], ch)
		close(ch)
		d.mu.Unlock()
	}()
	return ch, nil
}

// Members returns the records currently stored for room.
func (d *Directory) Members(room string) []interfaces.PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(room)
}

func (d *Directory) roomLocked(room string) map[string]interfaces.PeerRecord {
	members, ok := d.rooms[room]
	if !ok {
		members = make(map[string]interfaces.PeerRecord)
		d.rooms[room] = members
	}
	return members
}

func (d *Directory) snapshotLocked(room string) []interfaces.PeerRecord {
	members := d.rooms[room]
	out := make([]interfaces.PeerRecord, 0, len(members))
	for _, rec := range members {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// pushLocked replaces any undelivered snapshot so slow subscribers only see
// the latest membership.
func (d *Directory) pushLocked(room string) {
	snap := d.snapshotLocked(room)
	for ch := range d.subs[room] {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
