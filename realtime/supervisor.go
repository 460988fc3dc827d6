package realtime

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
)

// ChannelState is the lifecycle state of one supervised channel.
type ChannelState int

const (
	StateUnsubscribed ChannelState = iota
	StateSubscribing
	StateActive
	StateDegraded
	StateClosed
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RetryPolicy bounds how the Supervisor recovers a channel.
type RetryPolicy struct {
	// BaseDelay is the first retry delay after a timeout; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential delay before jitter is added.
	MaxDelay time.Duration
	// Jitter is the upper bound of the random delay added to every retry.
	Jitter time.Duration
	// MaxAttempts is the number of retries scheduled before giving up.
	MaxAttempts uint64
	// ReconnectDelay is the fixed delay before reconnecting a closed channel.
	ReconnectDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Jitter:         500 * time.Millisecond,
		MaxAttempts:    5,
		ReconnectDelay: 2 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.ReconnectDelay <= 0 {
		p.ReconnectDelay = def.ReconnectDelay
	}
	return p
}

// backoff returns a fresh delay sequence: BaseDelay doubling per attempt,
// capped at MaxDelay, plus up to Jitter, stopping after MaxAttempts values.
func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.WithCappedDuration(p.MaxDelay, retry.NewExponential(p.BaseDelay))
	if p.Jitter > 0 {
		b = withAddedJitter(p.Jitter, b)
	}
	return retry.WithMaxRetries(p.MaxAttempts, b)
}

// withAddedJitter adds a random duration in [0, j] to every delay of next.
// retry.WithJitter spreads in both directions, which would let a jittered
// delay fall below its predecessor.
func withAddedJitter(j time.Duration, next retry.Backoff) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		val, stop := next.Next()
		if stop {
			return 0, true
		}
		return val + time.Duration(rand.Int64N(int64(j)+1)), false
	})
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// ConnectionStatus summarises every supervised channel for display.
type ConnectionStatus struct {
	Healthy bool
	Message string
}

type subscription struct {
	key     string
	topic   Topic
	onEvent func(Event)

	handle    Channel
	state     ChannelState
	gen       uint64
	backoff   retry.Backoff
	attempts  uint64
	timer     Timer
	recovered bool
}

// Supervisor keeps one feed channel alive per key. Timeouts and channel
// errors are retried with bounded exponential backoff; a closed channel is
// reopened after a fixed delay. Callbacks from a channel that has since been
// replaced are ignored.
type Supervisor struct {
	feed        ChangeFeed
	policy      RetryPolicy
	clock       Clock
	logger      zerolog.Logger
	onRecovered func(key string)

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewSupervisor returns a supervisor over feed. A nil clock uses real timers.
func NewSupervisor(feed ChangeFeed, policy RetryPolicy, clock Clock, logger zerolog.Logger) *Supervisor {
	if clock == nil {
		clock = realClock{}
	}
	return &Supervisor{
		feed:   feed,
		policy: policy.withDefaults(),
		clock:  clock,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// OnRecovered registers fn to run when a channel becomes active again after
// a timeout or a close. Events may have been missed in between.
func (s *Supervisor) OnRecovered(fn func(key string)) {
	s.mu.Lock()
	s.onRecovered = fn
	s.mu.Unlock()
}

// Subscribe opens a channel for topic under key, replacing any channel already
// registered under the same key.
func (s *Supervisor) Subscribe(key string, topic Topic, onEvent func(Event)) error {
	if err := s.Unsubscribe(key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to release previous channel")
	}

	sub := &subscription{
		key:     key,
		topic:   topic,
		onEvent: onEvent,
		state:   StateSubscribing,
		backoff: s.policy.backoff(),
	}
	s.mu.Lock()
	s.subs[key] = sub
	sub.gen++
	gen := sub.gen
	s.mu.Unlock()

	if err := s.open(sub, gen); err != nil {
		s.mu.Lock()
		if s.subs[key] == sub {
			delete(s.subs, key)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to subscribe %s: %w", key, err)
	}
	return nil
}

// open subscribes the feed for generation gen of sub. The feed is called
// without holding mu since it may report a status synchronously.
func (s *Supervisor) open(sub *subscription, gen uint64) error {
	handle, err := s.feed.Subscribe(sub.topic,
		func(ev Event) { s.deliver(sub, gen, ev) },
		func(st ChannelStatus) { s.handleStatus(sub, gen, st) },
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.subs[sub.key] == sub && sub.gen == gen {
		sub.handle = handle
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.feed.Unsubscribe(handle)
}

func (s *Supervisor) live(sub *subscription, gen uint64) bool {
	return s.subs[sub.key] == sub && sub.gen == gen
}

func (s *Supervisor) deliver(sub *subscription, gen uint64, ev Event) {
	s.mu.Lock()
	ok := s.live(sub, gen)
	s.mu.Unlock()
	if ok {
		sub.onEvent(ev)
	}
}

func (s *Supervisor) handleStatus(sub *subscription, gen uint64, st ChannelStatus) {
	s.mu.Lock()
	if !s.live(sub, gen) {
		s.mu.Unlock()
		return
	}
	log := s.logger.With().Str("key", sub.key).Str("status", string(st)).Logger()

	var recovered func(string)
	switch st {
	case ChannelSubscribing:
		if sub.state != StateFailed {
			sub.state = StateSubscribing
		}
	case ChannelSubscribed:
		if sub.recovered {
			recovered = s.onRecovered
		}
		sub.state = StateActive
		sub.recovered = false
		sub.attempts = 0
		sub.backoff = s.policy.backoff()
		log.Debug().Msg("channel active")
	case ChannelTimedOut, ChannelError:
		s.retryLocked(sub, log)
	case ChannelClosed:
		if sub.state == StateFailed {
			break
		}
		sub.state = StateClosed
		sub.recovered = true
		log.Info().Dur("delay", s.policy.ReconnectDelay).Msg("channel closed, reconnecting")
		s.scheduleLocked(sub, s.policy.ReconnectDelay)
	}
	s.mu.Unlock()

	if recovered != nil {
		recovered(sub.key)
	}
}

// retryLocked schedules the next backoff attempt or gives up.
func (s *Supervisor) retryLocked(sub *subscription, log zerolog.Logger) {
	if sub.state == StateFailed {
		return
	}
	delay, stop := sub.backoff.Next()
	if stop {
		s.stopTimerLocked(sub)
		sub.state = StateFailed
		log.Error().Uint64("attempts", sub.attempts).Msg("channel retries exhausted")
		return
	}
	sub.attempts++
	sub.state = StateDegraded
	sub.recovered = true
	log.Warn().Uint64("attempt", sub.attempts).Dur("delay", delay).Msg("channel degraded, retrying")
	s.scheduleLocked(sub, delay)
}

func (s *Supervisor) scheduleLocked(sub *subscription, d time.Duration) {
	s.stopTimerLocked(sub)
	gen := sub.gen
	sub.timer = s.clock.AfterFunc(d, func() { s.reconnect(sub, gen) })
}

func (s *Supervisor) stopTimerLocked(sub *subscription) {
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
}

// reconnect replaces the channel of sub with a fresh one.
func (s *Supervisor) reconnect(sub *subscription, gen uint64) {
	s.mu.Lock()
	if !s.live(sub, gen) {
		s.mu.Unlock()
		return
	}
	old := sub.handle
	sub.handle = nil
	sub.timer = nil
	sub.gen++
	next := sub.gen
	if sub.state != StateFailed {
		sub.state = StateSubscribing
	}
	s.mu.Unlock()

	if old != nil {
		if err := s.feed.Unsubscribe(old); err != nil {
			s.logger.Debug().Err(err).Str("key", sub.key).Msg("failed to release stale channel")
		}
	}
	if err := s.open(sub, next); err != nil {
		s.mu.Lock()
		if s.live(sub, next) {
			s.retryLocked(sub, s.logger.With().Str("key", sub.key).Err(err).Logger())
		}
		s.mu.Unlock()
	}
}

// Unsubscribe cancels pending retries for key and releases its channel.
// Unknown keys are ignored.
func (s *Supervisor) Unsubscribe(key string) error {
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, key)
	s.stopTimerLocked(sub)
	sub.gen++
	sub.state = StateUnsubscribed
	handle := sub.handle
	sub.handle = nil
	s.mu.Unlock()

	if handle == nil {
		return nil
	}
	if err := s.feed.Unsubscribe(handle); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", key, err)
	}
	return nil
}

// UnsubscribeAll tears down every channel.
func (s *Supervisor) UnsubscribeAll() error {
	var err error
	for _, key := range s.Keys() {
		err = multierr.Append(err, s.Unsubscribe(key))
	}
	return err
}

// Keys returns the registered keys in sorted order.
func (s *Supervisor) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// State returns the state of key, StateUnsubscribed when unknown.
func (s *Supervisor) State(key string) ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[key]; ok {
		return sub.state
	}
	return StateUnsubscribed
}

// Status aggregates the channel states into one indicator.
func (s *Supervisor) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return ConnectionStatus{Message: "Not connected"}
	}
	var (
		failed, troubled, connecting bool
		attempts                     uint64
	)
	for _, sub := range s.subs {
		switch sub.state {
		case StateFailed:
			failed = true
		case StateDegraded, StateClosed:
			troubled = true
			attempts = max(attempts, sub.attempts)
		case StateSubscribing, StateUnsubscribed:
			connecting = true
		}
	}
	switch {
	case failed:
		return ConnectionStatus{Message: "Disconnected - automatic retries exhausted"}
	case troubled:
		return ConnectionStatus{Message: fmt.Sprintf("Connection issues - attempting to reconnect (%d/%d)", attempts, s.policy.MaxAttempts)}
	case connecting:
		return ConnectionStatus{Message: "Connecting"}
	default:
		return ConnectionStatus{Healthy: true, Message: "Connected"}
	}
}
