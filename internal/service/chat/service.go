package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/streamchat/backend/internal/model/chat"
)

var ErrSessionNotFound = errors.New("session not found")

// Service hosts the in-memory sessions of the HTTP server. Nothing is persisted:
// a session and its transcript live until it is closed.
type Service struct {
	completer Completer
	defaults  Options
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService bootstraps the session registry. defaults fill any option a caller leaves empty.
func NewService(completer Completer, defaults Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		completer: completer,
		defaults:  defaults,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
}

// CreateSession provisions an anonymous session.
func (s *Service) CreateSession(_ context.Context, opts Options) (*Session, error) {
	if opts.Model == "" {
		opts.Model = s.defaults.Model
	}
	if opts.SystemInstruction == "" {
		opts.SystemInstruction = s.defaults.SystemInstruction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}

	session := NewSession(s.ctx, s.completer, opts)
	s.sessions[session.ID()] = session

	log.Info().Str("session", session.ID()).Str("model", opts.Model).Msg("[chat] session created")
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// LoadTranscript returns the committed turns of the provided session.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Transcript(), nil
}

// CloseSession closes and forgets a session.
func (s *Service) CloseSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	session.Close()
	return nil
}

// Count returns the number of open sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close closes every session and rejects new ones.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.cancel()
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
