// Package locale cycles through a fixed list of recognition language tags.
package locale

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTooFewLanguages is returned by [New] when fewer than two tags are given.
var ErrTooFewLanguages = errors.New("locale: invalid array size, at least 2 items expected")

// Rotator holds an immutable list of locale tags and a current index.
// Rotation is circular. All methods are safe for concurrent use.
type Rotator struct {
	tags []string

	mu  sync.Mutex
	idx int
}

// New returns a Rotator positioned at the first of tags. Empty tags are
// rejected, as are lists with fewer than two entries.
func New(tags ...string) (*Rotator, error) {
	if len(tags) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewLanguages, len(tags))
	}
	for i, t := range tags {
		if t == "" {
			return nil, fmt.Errorf("locale: entry %d is empty", i)
		}
	}
	return &Rotator{tags: append([]string(nil), tags...)}, nil
}

// Current returns the active tag.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tags[r.idx]
}

// Rotate advances to the next tag, wrapping around, and returns it.
func (r *Rotator) Rotate() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idx = (r.idx + 1) % len(r.tags)
	return r.tags[r.idx]
}

// Tags returns a copy of the full list.
func (r *Rotator) Tags() []string {
	return append([]string(nil), r.tags...)
}
