package app

import (
	"context"
	"strings"
	"sync"
)

// Session keys persisted in the session store.
const (
	sessionKeyService = "current_service"
	sessionKeyUser    = "user"
)

// Session owns state scoped to one signed-in session. It is loaded lazily once per
// process and cleared on logout.
type Session struct {
	store SessionStore

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

func newSession(store SessionStore) *Session {
	return &Session{store: store, values: map[string]string{}}
}

func (s *Session) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	for _, key := range []string{sessionKeyService, sessionKeyUser} {
		value, ok, err := s.store.GetSessionValue(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			s.values[key] = value
		}
	}
	s.loaded = true
	return nil
}

func (s *Session) get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return "", err
	}
	return s.values[key], nil
}

func (s *Session) set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	if err := s.store.SetSessionValue(ctx, key, value); err != nil {
		return err
	}
	s.values[key] = value
	return nil
}

// CurrentService returns the service opened in this session.
func (s *Session) CurrentService(ctx context.Context) (string, error) {
	return s.get(ctx, sessionKeyService)
}

// SetCurrentService records the service opened in this session.
func (s *Session) SetCurrentService(ctx context.Context, serviceLocalID string) error {
	return s.set(ctx, sessionKeyService, strings.TrimSpace(serviceLocalID))
}

// User returns the signed-in user.
func (s *Session) User(ctx context.Context) (string, error) {
	return s.get(ctx, sessionKeyUser)
}

// SetUser records the signed-in user.
func (s *Session) SetUser(ctx context.Context, user string) error {
	return s.set(ctx, sessionKeyUser, strings.TrimSpace(user))
}

// Clear drops every session value.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ClearSession(ctx); err != nil {
		return err
	}
	s.values = map[string]string{}
	s.loaded = true
	return nil
}
