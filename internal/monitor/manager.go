package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager owns the channels, runs their loops, caches the latest state of
// each and fans updates out to subscribers.
type Manager struct {
	channels map[string]*Channel
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      map[string]State
	subscribers map[string]map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager registers channels. Names must be unique.
func NewManager(channels []*Channel, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		channels:    make(map[string]*Channel, len(channels)),
		logger:      logger.With("component", "monitor_manager"),
		latest:      make(map[string]State),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
	for _, ch := range channels {
		if _, dup := m.channels[ch.Name()]; dup {
			return nil, fmt.Errorf("duplicate channel %q", ch.Name())
		}
		m.channels[ch.Name()] = ch
		ch.mu.Lock()
		ch.publish = m.storeState
		ch.mu.Unlock()
	}
	return m, nil
}

// Run starts every channel loop and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.channels) == 0 {
		<-ctx.Done()
		m.Close()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range m.channels {
		ch := ch
		g.Go(func() error {
			return ch.Run(gctx)
		})
	}

	err := g.Wait()
	m.Close()
	return err
}

// Channel returns the named channel.
func (m *Manager) Channel(name string) (*Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the channel names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Latest returns the most recent published state of a channel.
func (m *Manager) Latest(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.latest[name]
	return state, ok
}

// Snapshot returns the latest state of every channel that has published.
func (m *Manager) Snapshot() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.latest))
	for _, state := range m.latest {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Subscribe registers a listener for state updates of a channel. The current
// state, if any, is delivered first. Slow listeners only see the newest state.
func (m *Manager) Subscribe(name string) (<-chan State, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[name]; !ok {
		return nil, nil, fmt.Errorf("unknown channel %q", name)
	}

	sub := newSubscriber()
	if _, ok := m.subscribers[name]; !ok {
		m.subscribers[name] = make(map[*subscriber]struct{})
	}
	m.subscribers[name][sub] = struct{}{}

	if state, ok := m.latest[name]; ok {
		sub.send(state)
	}

	unsubscribe := func() {
		m.removeSubscriber(name, sub)
	}
	return sub.channel(), unsubscribe, nil
}

// Ready reports whether every channel has published at least once.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name := range m.channels {
		if _, ok := m.latest[name]; !ok {
			return false
		}
	}
	return true
}

// Close aborts in-flight relock dwells. Armed channels keep their outputs as
// they are. Safe for repeated use.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		for _, ch := range m.channels {
			ch.Close()
		}
	})
}

func (m *Manager) storeState(state State) {
	m.mu.Lock()
	m.latest[state.Channel] = state

	targets := make([]*subscriber, 0, len(m.subscribers[state.Channel]))
	for sub := range m.subscribers[state.Channel] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(state)
	}
}

func (m *Manager) removeSubscriber(name string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[name]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, name)
		}
	}
	sub.close()
}

type subscriber struct {
	ch     chan State
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan State, 1)}
}

func (s *subscriber) channel() <-chan State {
	return s.ch
}

func (s *subscriber) send(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- state:
		return
	default:
		// Drop oldest to make room for the new state.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- state:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
