package reactor

import (
	"cmp"
	"fmt"
	"slices"
)

// Registry maps live channels by ID and by descriptor. It does no I/O and no
// locking; it belongs to the loop goroutine.
//
// Channels are kept densely in a slice with swap-remove, the maps hold
// indexes into it.
type Registry struct {
	chans []*Channel
	byID  map[ChannelID]int
	byFD  map[int]int
}

func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[ChannelID]int),
		byFD: make(map[int]int),
	}
}

// Add binds h to ch and records ch. A channel whose ID or descriptor is
// already present is rejected with ErrDuplicateChannel.
func (r *Registry) Add(ch *Channel, h Handler) error {
	if _, ok := r.byID[ch.id]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateChannel, ch.id)
	}
	if _, ok := r.byFD[ch.fd]; ok {
		return fmt.Errorf("%w: fd %d", ErrDuplicateChannel, ch.fd)
	}
	ch.handler = h
	idx := len(r.chans)
	r.chans = append(r.chans, ch)
	r.byID[ch.id] = idx
	r.byFD[ch.fd] = idx
	return nil
}

func (r *Registry) Lookup(id ChannelID) (*Channel, error) {
	if idx, ok := r.byID[id]; ok {
		return r.chans[idx], nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrUnknownChannel, id)
}

func (r *Registry) LookupFD(fd int) (*Channel, error) {
	if idx, ok := r.byFD[fd]; ok {
		return r.chans[idx], nil
	}
	return nil, fmt.Errorf("%w: fd %d", ErrUnknownChannel, fd)
}

// Remove forgets ch. Removing an absent channel does nothing.
func (r *Registry) Remove(ch *Channel) {
	idx, ok := r.byID[ch.id]
	if !ok || r.chans[idx] != ch {
		return
	}
	last := len(r.chans) - 1
	if idx != last {
		moved := r.chans[last]
		r.chans[idx] = moved
		r.byID[moved.id] = idx
		r.byFD[moved.fd] = idx
	}
	r.chans[last] = nil
	r.chans = r.chans[:last]
	delete(r.byID, ch.id)
	delete(r.byFD, ch.fd)
}

func (r *Registry) Len() int { return len(r.chans) }

// Channels returns a snapshot ordered by ID.
func (r *Registry) Channels() []*Channel {
	out := slices.Clone(r.chans)
	slices.SortFunc(out, func(a, b *Channel) int { return cmp.Compare(a.id, b.id) })
	return out
}
