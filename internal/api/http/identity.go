package httpapi

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	headerParticipantName = "X-Participant-Name"
	headerPresenterKey    = "X-Presenter-Key"
)

type callerContextKey string

const callerKey callerContextKey = "caller"

// Caller is the identity asserted by request headers.
type Caller struct {
	Name         string
	PresenterKey string
}

// Identity checks presenter keys against a bcrypt hash. With no hash
// configured every caller may act as presenter.
type Identity struct {
	presenterKeyHash []byte
}

func NewIdentity(presenterKeyHash []byte) *Identity {
	return &Identity{presenterKeyHash: presenterKeyHash}
}

// Open reports whether presenter registration needs no key.
func (i *Identity) Open() bool {
	return len(i.presenterKeyHash) == 0
}

// VerifyPresenterKey reports whether key unlocks the presenter role.
func (i *Identity) VerifyPresenterKey(key string) bool {
	if i.Open() {
		return true
	}
	if key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(i.presenterKeyHash, []byte(key)) == nil
}

// HashPresenterKey produces a bcrypt hash suitable for PRESENTER_KEY_HASH.
func HashPresenterKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Server) withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := &Caller{
			Name:         strings.TrimSpace(r.Header.Get(headerParticipantName)),
			PresenterKey: r.Header.Get(headerPresenterKey),
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

func (s *Server) requirePresenterKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if caller := callerFromContext(r.Context()); caller != nil {
			key = caller.PresenterKey
		}
		if !s.identity.VerifyPresenterKey(key) {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "valid presenter key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCaller(ctx context.Context, c *Caller) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, callerKey, c)
}

func callerFromContext(ctx context.Context) *Caller {
	val := ctx.Value(callerKey)
	if v, ok := val.(*Caller); ok {
		return v
	}
	return nil
}

func callerName(r *http.Request) string {
	if c := callerFromContext(r.Context()); c != nil {
		return c.Name
	}
	return ""
}
