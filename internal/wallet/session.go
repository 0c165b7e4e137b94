package wallet

import (
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// EventType identifies a session transition.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event is delivered to every subscriber at least once, in order.
// Seq increases monotonically per session so consumers can drop repeats.
type Event struct {
	Seq       uint64
	Type      EventType
	PublicKey solana.PublicKey
	At        time.Time
}

// DefaultNetworkTTL bounds how long a detected cluster is trusted.
const DefaultNetworkTTL = 30 * time.Second

type detectedNetwork struct {
	cluster    string // empty means detection was inconclusive
	detectedAt time.Time
	owner      solana.PublicKey
}

// Session holds the currently connected wallet and everything cached about it.
// A zero Session is not usable; call NewSession.
type Session struct {
	mu       sync.Mutex
	provider Provider
	seq      uint64
	subs     map[*Subscription]struct{}
	network  *detectedNetwork
	ttl      time.Duration
	now      func() time.Time
}

// NewSession returns a disconnected session.
func NewSession() *Session {
	return &Session{
		subs: make(map[*Subscription]struct{}),
		ttl:  DefaultNetworkTTL,
		now:  time.Now,
	}
}

// WithNetworkTTL overrides how long a detected network stays cached.
func (s *Session) WithNetworkTTL(ttl time.Duration) *Session {
	s.ttl = ttl
	return s
}

// WithClock sets the time source (for tests).
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// Connect makes p the active wallet. Connecting the same key again is a no-op.
// Connecting a different key disconnects the previous one first.
func (s *Session) Connect(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.provider != nil {
		if s.provider.PublicKey().Equals(p.PublicKey()) {
			s.provider = p
			return
		}
		s.publishLocked(EventDisconnected, s.provider.PublicKey())
	}
	s.provider = p
	s.network = nil
	s.publishLocked(EventConnected, p.PublicKey())
}

// Disconnect drops the active wallet and its cached network.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.provider == nil {
		return
	}
	key := s.provider.PublicKey()
	s.provider = nil
	s.network = nil
	s.publishLocked(EventDisconnected, key)
}

// Provider returns the connected wallet or ErrNotConnected.
func (s *Session) Provider() (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil {
		return nil, ErrNotConnected
	}
	return s.provider, nil
}

// Connected reports whether a wallet is active.
func (s *Session) Connected() bool {
	_, err := s.Provider()
	return err == nil
}

// CachedNetwork returns the last detection result for the active wallet if it
// is still fresh. An empty cluster with ok=true means "detected as unknown".
func (s *Session) CachedNetwork() (cluster string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.network == nil || s.provider == nil {
		return "", false
	}
	if !s.network.owner.Equals(s.provider.PublicKey()) {
		return "", false
	}
	if s.now().Sub(s.network.detectedAt) > s.ttl {
		s.network = nil
		return "", false
	}
	return s.network.cluster, true
}

// StoreNetwork records a detection result for the active wallet.
func (s *Session) StoreNetwork(cluster string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil {
		return
	}
	s.network = &detectedNetwork{
		cluster:    cluster,
		detectedAt: s.now(),
		owner:      s.provider.PublicKey(),
	}
}

// Subscribe registers for session events. The returned subscription queues
// without bound, so a slow reader never blocks Connect or Disconnect.
func (s *Session) Subscribe() *Subscription {
	sub := &Subscription{
		notify:  make(chan struct{}, 1),
		out:     make(chan Event),
		done:    make(chan struct{}),
		session: s,
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	go sub.pump()
	return sub
}

func (s *Session) publishLocked(t EventType, key solana.PublicKey) {
	s.seq++
	ev := Event{Seq: s.seq, Type: t, PublicKey: key, At: s.now()}
	for sub := range s.subs {
		sub.enqueue(ev)
	}
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is one consumer's view of session events.
type Subscription struct {
	mu      sync.Mutex
	queue   []Event
	notify  chan struct{}
	out     chan Event
	done    chan struct{}
	once    sync.Once
	session *Session
}

// C delivers events in publish order. It is closed after Close.
func (sub *Subscription) C() <-chan Event { return sub.out }

// Close stops delivery. Queued events not yet received are dropped.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.session.unsubscribe(sub)
		close(sub.done)
	})
}

func (sub *Subscription) enqueue(ev Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.notify:
				continue
			case <-sub.done:
				return
			}
		}
		ev := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- ev:
		case <-sub.done:
			return
		}
	}
}
