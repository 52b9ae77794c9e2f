package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
)

const permanentKey = "_permanent"

var ErrUnsupportedValue = errors.New("unsupported session value")

// Values is a session payload. Values are restricted to what survives a
// JSON round trip: nil, string, bool, numbers, []any and map[string]any.
type Values map[string]any

// Session is the request-scoped view of a session record.
type Session struct {
	mu     sync.Mutex
	id     string
	values Values
}

func newSession(id string, values Values) *Session {
	if values == nil {
		values = Values{}
	}
	return &Session{id: id, values: values}
}

// ID returns the server-assigned session id. It is empty until the session
// has been stored for the first time, and always empty for cookie-only
// sessions.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Session) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// GetInt reads a whole number, whichever numeric type it was decoded as.
func (s *Session) GetInt(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func (s *Session) Set(key string, v any) error {
	if err := validate(v); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	s.set(key, v)
	return nil
}

// set stores v without validation, for values the package itself owns.
func (s *Session) set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Clear empties the session. An empty session is deleted from its backend
// and its cookie is expired.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = Values{}
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Values returns a shallow copy of the payload.
func (s *Session) Values() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Permanent reports whether the session outlives the browser session.
func (s *Session) Permanent() bool {
	v, _ := s.Get(permanentKey)
	p, _ := v.(bool)
	return p
}

// SetPermanent sets or clears the permanence flag. Permanent sessions get a
// dated cookie and, with a shared cache, a TTL of the configured max age.
func (s *Session) SetPermanent(permanent bool) {
	if permanent {
		s.set(permanentKey, true)
		return
	}
	s.Delete(permanentKey)
}

func validate(v any) error {
	switch val := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case float32:
		return validateFloat(float64(val))
	case float64:
		return validateFloat(val)
	case []any:
		for _, item := range val {
			if err := validate(item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, item := range val {
			if err := validate(item); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func validateFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	return nil
}

type contextKey string

const sessionCtxKey contextKey = "session"

func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey, s)
}

// FromContext returns the session installed by Manager.Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionCtxKey).(*Session)
	return s
}
