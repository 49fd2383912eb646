package session

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
)

type contextKey string

const handleContextKey contextKey = "github.com/tobira-shop/storefront/internal/platform/session/handle"

// Handle is one request's view of its session. Handlers mutate Data and call
// Manager.Save before writing the response.
type Handle struct {
	ID   string
	Data Data

	isNew bool
}

// IsNew reports whether the session was minted for this request.
func (h *Handle) IsNew() bool { return h.isNew }

// Manager loads and persists session state around a cookie-carried id.
type Manager struct {
	store      Store
	ttl        time.Duration
	cookieName string
	secure     bool
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store      Store
	TTL        time.Duration
	CookieName string
	Secure     bool
}

// NewManager constructs a Manager validating required dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	name := cfg.CookieName
	if name == "" {
		name = "storefront_session"
	}
	return &Manager{
		store:      cfg.Store,
		ttl:        ttl,
		cookieName: name,
		secure:     cfg.Secure,
	}, nil
}

// Middleware resolves the session for each request, minting an id when the
// cookie is absent, and injects the handle into the request context.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle := &Handle{}
			if cookie, err := r.Cookie(m.cookieName); err == nil && cookie.Value != "" {
				handle.ID = cookie.Value
				if data, err := m.store.Get(r.Context(), cookie.Value); err == nil {
					handle.Data = data
				} else if errors.Is(err, ErrNotFound) {
					handle.isNew = true
				}
			}
			if handle.ID == "" {
				handle.ID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
				handle.isNew = true
			}

			http.SetCookie(w, &http.Cookie{
				Name:     m.cookieName,
				Value:    handle.ID,
				Path:     "/",
				MaxAge:   int(m.ttl / time.Second),
				HttpOnly: true,
				Secure:   m.secure,
				SameSite: http.SameSiteLaxMode,
			})

			ctx := context.WithValue(r.Context(), handleContextKey, handle)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext retrieves the session handle injected by the middleware.
func FromContext(ctx context.Context) (*Handle, bool) {
	handle, ok := ctx.Value(handleContextKey).(*Handle)
	return handle, ok && handle != nil
}

// Save persists the handle's data under its id.
func (m *Manager) Save(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.ID == "" {
		return errors.New("session: handle is required")
	}
	return m.store.Put(ctx, handle.ID, handle.Data, m.ttl)
}

// Destroy removes the session's persisted state entirely.
func (m *Manager) Destroy(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.ID == "" {
		return nil
	}
	return m.store.Delete(ctx, handle.ID)
}
