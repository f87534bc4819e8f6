package stream

import (
	"slices"
	"sync"

	"bfxstream/pkg/core"
)

// Message is one decoded data frame as delivered to listeners.
type Message struct {
	Channel core.ChannelDescriptor
	// Event is the frame's event tag ("te", "on", "n", ...) or empty for
	// untagged snapshots and updates.
	Event string
	// Snapshot is set when Data holds a list of records.
	Snapshot bool
	Data     []any
	// Record is the named-field form of Data, set when transform is enabled.
	Record any
}

type listener struct {
	catchAll bool
	match    func(Message) bool
	call     func(Message)
}

// dispatcher keeps listeners grouped so a group can be removed at once.
// Groups are visited in registration order, catch-all listeners before
// filtered ones within a group.
type dispatcher struct {
	mu      sync.RWMutex
	groups  []string
	byGroup map[string][]listener
}

func newDispatcher() *dispatcher {
	return &dispatcher{byGroup: make(map[string][]listener)}
}

func (d *dispatcher) add(group string, l listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byGroup[group]; !ok {
		d.groups = append(d.groups, group)
	}
	d.byGroup[group] = append(d.byGroup[group], l)
}

func (d *dispatcher) removeGroup(group string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.byGroup[group])
	delete(d.byGroup, group)
	d.groups = slices.DeleteFunc(d.groups, func(g string) bool { return g == group })
	return n
}

func (d *dispatcher) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, ls := range d.byGroup {
		n += len(ls)
	}
	return n
}

func (d *dispatcher) dispatch(msg Message) {
	d.mu.RLock()
	var targets []listener
	for _, g := range d.groups {
		for _, l := range d.byGroup[g] {
			if l.catchAll {
				targets = append(targets, l)
			}
		}
		for _, l := range d.byGroup[g] {
			if !l.catchAll && l.match(msg) {
				targets = append(targets, l)
			}
		}
	}
	d.mu.RUnlock()

	for _, l := range targets {
		l.call(msg)
	}
}
