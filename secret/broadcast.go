package secret

import (
	"errors"
	"sync"
)

// Broadcaster implements the subscription bookkeeping shared by providers:
// callback registration handles and at-least-once fan-out of change
// notifications. The zero value is ready for use.
type Broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]Callbacks
}

// Subscribe registers cb and returns its release handle.
func (b *Broadcaster) Subscribe(cb Callbacks) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[uint64]Callbacks)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = cb

	return &subscription{b: b, id: id}
}

// Notify invokes every registered callback and joins their rejection
// errors. Callbacks run outside the registry lock, so they may subscribe or
// unsubscribe freely.
func (b *Broadcaster) Notify() error {
	b.mu.Lock()
	cbs := make([]Callbacks, 0, len(b.subs))
	for _, cb := range b.subs {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()

	var errs []error
	for _, cb := range cbs {
		if err := cb.OnSecretUpdate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscription struct {
	b    *Broadcaster
	id   uint64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s.id)
		s.b.mu.Unlock()
	})
}
