package store

import (
	"fmt"
	"sync"
)

// SetFunc applies an update to a store
type SetFunc func(u Update) error

// GetFunc returns the current snapshot
type GetFunc func() State

// Listener is called once per applied update with the new and previous snapshots
type Listener func(state, prev State)

// API is the store surface handed to a Creator.
// Middleware may replace SetState to intercept every mutation that goes
// through Store.SetState, including ones issued by other middleware.
type API struct {
	SetState  SetFunc
	GetState  GetFunc
	Subscribe func(l Listener) (unsubscribe func())
}

// Creator builds the initial state of a store.
// set and get are the entry points as seen by this layer of middleware.
type Creator func(set SetFunc, get GetFunc, api *API) (State, error)

// Middleware wraps a Creator, typically to intercept SetState
type Middleware func(next Creator) Creator

// Chain applies middleware so that the first one listed is the outermost
func Chain(create Creator, mws ...Middleware) Creator {
	for i := len(mws) - 1; i >= 0; i-- {
		create = mws[i](create)
	}
	return create
}

type subscription struct {
	id       uint64
	listener Listener
}

// Store holds a snapshot and notifies subscribers after each update.
// Mutations are serialized; reads never block on a running mutation.
type Store struct {
	state State
	mu    sync.RWMutex // guards state

	writeMu sync.Mutex // serializes apply

	subs   []subscription
	nextID uint64
	subsMu sync.Mutex

	api *API
}

// New creates a store from create, running every middleware it was wrapped in.
// The returned store is only usable when err is nil.
func New(create Creator) (*Store, error) {
	if create == nil {
		return nil, fmt.Errorf("store creator is nil")
	}

	s := &Store{state: State{}}
	s.api = &API{
		SetState:  s.apply,
		GetState:  s.GetState,
		Subscribe: s.Subscribe,
	}

	initial, err := create(s.apply, s.GetState, s.api)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial state: %w", err)
	}
	if initial == nil {
		initial = State{}
	}

	s.mu.Lock()
	s.state = initial
	s.mu.Unlock()

	return s, nil
}

// GetState returns the most recently committed snapshot
func (s *Store) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState applies u through whatever middleware intercepted the store
func (s *Store) SetState(u Update) error {
	return s.api.SetState(u)
}

// Subscribe registers l and returns a function that removes it
func (s *Store) Subscribe(l Listener) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, listener: l})

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// API exposes the (possibly intercepted) store surface
func (s *Store) API() *API {
	return s.api
}

// apply is the lowest-level mutation primitive: resolve, merge, swap, notify.
// An empty resolved patch leaves the snapshot untouched and notifies nobody.
func (s *Store) apply(u Update) error {
	s.writeMu.Lock()

	prev := s.GetState()
	patch, err := Resolve(u, prev)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	if len(patch) == 0 {
		s.writeMu.Unlock()
		return nil
	}

	next := Merge(prev, patch)

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	s.writeMu.Unlock()

	s.notify(next, prev)
	return nil
}

func (s *Store) notify(state, prev State) {
	s.subsMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.listener(state, prev)
	}
}
