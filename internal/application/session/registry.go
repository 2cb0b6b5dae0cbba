package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/livepoll/livepoll/internal/domain/session"
	"github.com/livepoll/livepoll/internal/infrastructure/metrics"
)

// Registry tracks which live connections are presenters and which are
// named participants. A connection holds at most one role.
type Registry struct {
	mu           sync.RWMutex
	conns        map[string]*session.Connection
	presenters   int
	participants int

	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(m *metrics.Metrics, logger zerolog.Logger) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		conns:   make(map[string]*session.Connection),
		metrics: m,
		logger:  logger.With().Str("service", "session").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterPresenter marks connID as a presenter. It is idempotent. The
// previous registration of the connection is returned, if any.
func (r *Registry) RegisterPresenter(connID string) (prev session.Connection, err error) {
	if connID == "" {
		return session.Connection{}, session.ErrEmptyConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.replaceLocked(connID, session.RolePresenter, "")
	r.logger.Debug().Str("connection_id", connID).Msg("presenter registered")
	return prev, nil
}

// RegisterParticipant associates connID with name, replacing any earlier
// association of the same connection. It returns the normalized name.
func (r *Registry) RegisterParticipant(connID, name string) (normalized string, prev session.Connection, err error) {
	if connID == "" {
		return "", session.Connection{}, session.ErrEmptyConnection
	}
	normalized, err = session.NormalizeName(name)
	if err != nil {
		return "", session.Connection{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.replaceLocked(connID, session.RoleParticipant, normalized)
	r.logger.Debug().Str("connection_id", connID).Str("name", normalized).Msg("participant registered")
	return normalized, prev, nil
}

// Unregister forgets connID. Unknown ids are ignored; ok reports whether a
// registration was removed.
func (r *Registry) Unregister(connID string) (removed session.Connection, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return session.Connection{}, false
	}
	r.removeLocked(c)
	r.syncGauges()
	return *c, true
}

func (r *Registry) replaceLocked(connID string, role session.Role, name string) session.Connection {
	var prev session.Connection
	connectedAt := r.now()
	if c, ok := r.conns[connID]; ok {
		prev = *c
		connectedAt = c.ConnectedAt
		r.removeLocked(c)
	}
	r.conns[connID] = &session.Connection{
		ConnectionID: connID,
		Role:         role,
		Name:         name,
		ConnectedAt:  connectedAt,
	}
	switch role {
	case session.RolePresenter:
		r.presenters++
	case session.RoleParticipant:
		r.participants++
	}
	r.syncGauges()
	return prev
}

func (r *Registry) removeLocked(c *session.Connection) {
	switch c.Role {
	case session.RolePresenter:
		r.presenters--
	case session.RoleParticipant:
		r.participants--
	}
	delete(r.conns, c.ConnectionID)
}

func (r *Registry) syncGauges() {
	r.metrics.Presenters.Set(float64(r.presenters))
	r.metrics.Participants.Set(float64(r.participants))
}

// Lookup returns the registration of connID.
func (r *Registry) Lookup(connID string) (session.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return session.Connection{}, false
	}
	return *c, true
}

func (r *Registry) IsPresenter(connID string) bool {
	c, ok := r.Lookup(connID)
	return ok && c.Role == session.RolePresenter
}

// ParticipantName returns the name registered for connID.
func (r *Registry) ParticipantName(connID string) (string, bool) {
	c, ok := r.Lookup(connID)
	if !ok || c.Role != session.RoleParticipant {
		return "", false
	}
	return c.Name, true
}

// Presenters returns a snapshot of presenter connection ids.
func (r *Registry) Presenters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, r.presenters)
	for id, c := range r.conns {
		if c.Role == session.RolePresenter {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Participants returns a sorted snapshot of participant names, one entry per connection.
func (r *Registry) Participants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, r.participants)
	for _, c := range r.conns {
		if c.Role == session.RoleParticipant {
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out
}

// ParticipantCount counts participant connections, not distinct names.
func (r *Registry) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participants
}

func (r *Registry) PresenterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenters
}
