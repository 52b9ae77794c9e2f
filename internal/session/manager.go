package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
)

const (
	sessionIdClaim = "sid"
	payloadClaim   = "session"
	expClaim       = "exp"
)

type Options struct {
	CookieName string
	Path       string
	MaxAge     time.Duration
	SameSite   http.SameSite
	Secure     bool
	Secret     []byte
}

// Manager binds sessions to requests. With a shared cache the cookie carries
// only a signed session id and the payload lives under session:{id}.
// Without one the whole payload is signed into the cookie.
type Manager struct {
	opts   Options
	signer *signer
	client *redis.Client
	log    *log.Logger
	now    func() time.Time
	newId  func() string
}

func NewManager(opts Options, client *redis.Client, logger *log.Logger) (*Manager, error) {
	if opts.CookieName == "" {
		opts.CookieName = "session"
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("session max age must be positive")
	}

	s, err := newSigner(opts.Secret)
	if err != nil {
		return nil, err
	}

	return &Manager{
		opts:   opts,
		signer: s,
		client: client,
		log:    logger,
		now:    time.Now,
		newId:  uuid.NewString,
	}, nil
}

func (m *Manager) CookieName() string {
	return m.opts.CookieName
}

// Shared reports whether sessions are stored in the shared cache.
func (m *Manager) Shared() bool {
	return m.client != nil
}

func sessionKey(id string) string {
	return "session:" + id
}

// Middleware loads the session before next runs and stores it when next
// starts writing the response, or returns without writing.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, hadCookie := m.load(r)

		sw := &sessionWriter{ResponseWriter: w}
		sw.commit = func() {
			m.save(r.Context(), w, sess, hadCookie)
		}

		next.ServeHTTP(sw, r.WithContext(NewContext(r.Context(), sess)))
		sw.commitOnce()
	})
}

func (m *Manager) load(r *http.Request) (*Session, bool) {
	c, err := r.Cookie(m.opts.CookieName)
	if err != nil {
		return newSession("", nil), false
	}

	claims, err := m.signer.verify(c.Value)
	if err != nil {
		m.log.Printf("invalid session cookie: %v", err)
		return newSession("", nil), true
	}

	if m.client == nil {
		payload, _ := claims[payloadClaim].(map[string]any)
		return newSession("", payload), true
	}

	id, _ := claims[sessionIdClaim].(string)
	if id == "" {
		return newSession("", nil), true
	}

	values, err := m.loadShared(r.Context(), id)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.log.Printf("load session: %v", err)
		}
		return newSession("", nil), true
	}

	return newSession(id, values), true
}

func (m *Manager) loadShared(ctx context.Context, id string) (Values, error) {
	data, err := m.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		return nil, err
	}

	var values Values
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return values, nil
}

func (m *Manager) save(ctx context.Context, w http.ResponseWriter, sess *Session, hadCookie bool) {
	if m.client != nil {
		m.saveShared(ctx, w, sess, hadCookie)
		return
	}
	m.saveCookie(w, sess, hadCookie)
}

func (m *Manager) saveShared(ctx context.Context, w http.ResponseWriter, sess *Session, hadCookie bool) {
	values := sess.Values()
	id := sess.ID()

	if len(values) == 0 {
		if id != "" {
			if err := m.client.Del(ctx, sessionKey(id)).Err(); err != nil {
				m.log.Printf("delete session: %v", err)
			}
		}
		if hadCookie {
			http.SetCookie(w, m.expiredCookie())
		}
		return
	}

	if id == "" {
		id = m.newId()
		sess.setID(id)
	}

	data, err := json.Marshal(values)
	if err != nil {
		m.log.Printf("encode session: %v", err)
		return
	}

	permanent := sess.Permanent()
	var ttl time.Duration
	if permanent {
		ttl = m.opts.MaxAge
	}
	if err := m.client.Set(ctx, sessionKey(id), data, ttl).Err(); err != nil {
		m.log.Printf("store session: %v", err)
		return
	}

	token, err := m.signer.sign(jwt.MapClaims{sessionIdClaim: id})
	if err != nil {
		m.log.Printf("sign session id: %v", err)
		return
	}

	http.SetCookie(w, m.newCookie(token, permanent))
}

// saveCookie always writes a dated cookie and then strips the dates again
// for non-permanent sessions.
func (m *Manager) saveCookie(w http.ResponseWriter, sess *Session, hadCookie bool) {
	values := sess.Values()

	if len(values) == 0 {
		if hadCookie {
			http.SetCookie(w, m.expiredCookie())
		}
		return
	}

	token, err := m.signer.sign(jwt.MapClaims{
		payloadClaim: map[string]any(values),
		expClaim:     m.now().Add(m.opts.MaxAge).Unix(),
	})
	if err != nil {
		m.log.Printf("sign session: %v", err)
		return
	}

	http.SetCookie(w, m.newCookie(token, true))

	if !sess.Permanent() {
		stripCookieHeaders(w.Header(), m.opts.CookieName)
	}
}

type sessionWriter struct {
	http.ResponseWriter
	commit    func()
	committed bool
}

func (w *sessionWriter) commitOnce() {
	if w.committed {
		return
	}
	w.committed = true
	w.commit()
}

func (w *sessionWriter) WriteHeader(statusCode int) {
	w.commitOnce()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.commitOnce()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
