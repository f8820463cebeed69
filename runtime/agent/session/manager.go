package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/docscout/runtime/agent/telemetry"
)

type (
	// Options configures a Manager.
	Options struct {
		// Store persists session state. Required.
		Store Store
		// IdleTimeout is the inactivity window after which a session turns
		// idle. A session expires after twice this window. Defaults to 1h.
		IdleTimeout time.Duration
		// SweepInterval is how often stored sessions are transitioned.
		// Defaults to IdleTimeout/10.
		SweepInterval time.Duration
		// Logger reports sweep outcomes. Defaults to the Clue-backed logger.
		Logger telemetry.Logger
		// Now supplies the current time. Defaults to time.Now. Tests inject
		// a fake clock to drive lifecycle transitions.
		Now func() time.Time
	}

	// Manager admits turns against stored sessions. It enforces the
	// single-turn-per-session guard in memory and runs a background sweeper
	// that transitions idle and expired sessions in the store.
	Manager struct {
		store         Store
		idleTimeout   time.Duration
		sweepInterval time.Duration
		logger        telemetry.Logger
		now           func() time.Time

		mu   sync.Mutex
		busy map[string]struct{}

		stop      chan struct{}
		done      chan struct{}
		closeOnce sync.Once
	}
)

const (
	defaultIdleTimeout = time.Hour
	sweepTimeout       = 10 * time.Second
)

// NewManager constructs a Manager and starts its sweeper. Callers should
// Close the manager on shutdown.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.IdleTimeout / 10
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewClueLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		store:         opts.Store,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		logger:        opts.Logger,
		now:           opts.Now,
		busy:          make(map[string]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.sweep()
	return m, nil
}

// BeginTurn admits one turn for the session, creating the session when
// sessionID is empty (a fresh UUID) or unknown. It returns ErrSessionBusy
// when a turn is already in flight and ErrSessionExpired when the session is
// past reclamation. On success the caller owns the turn and must call
// EndTurn to release it.
func (m *Manager) BeginTurn(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := m.now().UTC()

	// Reserve before touching the store so a concurrent caller cannot
	// interleave a second turn while this one sets up.
	m.mu.Lock()
	if _, inFlight := m.busy[sessionID]; inFlight {
		m.mu.Unlock()
		return Session{}, ErrSessionBusy
	}
	m.busy[sessionID] = struct{}{}
	m.mu.Unlock()

	sess, err := m.store.GetOrCreate(ctx, sessionID, now)
	if err != nil {
		m.EndTurn(sessionID)
		return Session{}, err
	}
	// The store only reports sessions the sweeper already reclaimed; derive
	// expiry from the clock as well so a lagging sweeper cannot admit a
	// stale session.
	if sess.Status == StatusExpired || now.Sub(sess.LastActiveAt) >= 2*m.idleTimeout {
		m.EndTurn(sessionID)
		return Session{}, ErrSessionExpired
	}
	if err := m.store.Touch(ctx, sessionID, now); err != nil {
		m.EndTurn(sessionID)
		return Session{}, err
	}
	sess.Status = StatusActive
	sess.LastActiveAt = now
	return sess, nil
}

// EndTurn releases the session's in-flight turn slot. Safe to call for
// sessions with no turn in flight.
func (m *Manager) EndTurn(sessionID string) {
	m.mu.Lock()
	delete(m.busy, sessionID)
	m.mu.Unlock()
}

// AppendTurn appends the turn to the session history.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	return m.store.AppendTurn(ctx, sessionID, turn)
}

// Close stops the sweeper. It returns the context error if ctx expires
// before the sweeper exits.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweep periodically transitions idle and expired sessions in the store.
func (m *Manager) sweep() {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := m.now().UTC()
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			idled, expired, err := m.store.ExpireIdle(ctx, now.Add(-m.idleTimeout), now.Add(-2*m.idleTimeout))
			cancel()
			if err != nil {
				m.logger.Error(context.Background(), "session sweep failed", "error", err.Error())
				continue
			}
			if idled+expired > 0 {
				m.logger.Debug(context.Background(), "session sweep", "idled", idled, "expired", expired)
			}
		}
	}
}
