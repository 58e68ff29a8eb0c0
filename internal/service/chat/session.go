package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/streamchat/backend/internal/model/chat"
	"github.com/zhouzirui/streamchat/backend/internal/service/completion"
)

var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrCredentialMissing = errors.New("credential is not set")
	ErrRequestInFlight   = errors.New("a request is already in flight")
	ErrSessionClosed     = errors.New("session is closed")
)

// FailureTemplate is the content of the assistant turn committed when an exchange fails.
const FailureTemplate = "Sorry, I encountered an error: %s. Please check your API key and try again."

const observerBuffer = 64

// Completer runs one exchange and reports it to the listener. *completion.Client implements it.
type Completer interface {
	Stream(ctx context.Context, req completion.Request, listener completion.Listener)
}

// EventType names a session state change.
type EventType string

const (
	EventTurn     EventType = "turn"
	EventFragment EventType = "fragment"
	EventState    EventType = "state"
)

// State is the scalar part of a session, attached to every event.
type State struct {
	Streaming       string `json:"streaming"`
	Loading         bool   `json:"loading"`
	Input           string `json:"input"`
	CredentialSet   bool   `json:"credentialSet"`
	SettingsVisible bool   `json:"settingsVisible"`
	TurnCount       int    `json:"turnCount"`
}

// Event is delivered to observers in mutation order. Turn and fragment events mean
// the presentation should scroll to the latest content.
type Event struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"sessionId"`
	Turn      *chat.Turn `json:"turn,omitempty"`
	Fragment  string     `json:"fragment,omitempty"`
	State     State      `json:"state"`
}

// Options configures a new session.
type Options struct {
	Model             string
	SystemInstruction string
}

// Session owns one transcript and at most one outstanding exchange.
// All mutations and notifications happen under mu, so observers see them in order.
type Session struct {
	id        string
	model     string
	system    string
	completer Completer
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time

	mu              sync.Mutex
	turns           []chat.Turn
	buffer          strings.Builder
	loading         bool
	exchange        uint64
	input           string
	credential      string
	settingsVisible bool
	closed          bool
	observers       map[uint64]chan Event
	nextObserver    uint64
}

// NewSession creates a session whose exchanges run under parent. Cancelling parent
// abandons any in-flight exchange.
func NewSession(parent context.Context, completer Completer, opts Options) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:        uuid.NewString(),
		model:     opts.Model,
		system:    opts.SystemInstruction,
		completer: completer,
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
		turns:     make([]chat.Turn, 0, 16),
		observers: make(map[uint64]chan Event),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// SetCredential stores the API key in memory. An empty value clears it.
func (s *Session) SetCredential(credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.credential = strings.TrimSpace(credential)
	s.notifyLocked(Event{Type: EventState})
}

// SetSettingsVisible shows or hides the settings panel.
func (s *Session) SetSettingsVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.settingsVisible == visible {
		return
	}
	s.settingsVisible = visible
	s.notifyLocked(Event{Type: EventState})
}

// ToggleSettings flips the settings panel visibility.
func (s *Session) ToggleSettings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.settingsVisible = !s.settingsVisible
	s.notifyLocked(Event{Type: EventState})
}

// SetInput records the pending input text.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.input == text {
		return
	}
	s.input = text
	s.notifyLocked(Event{Type: EventState})
}

// Submit appends a user turn and starts an exchange. It changes nothing and returns
// an error when text is blank, the credential is unset, a request is outstanding or
// the session is closed.
func (s *Session) Submit(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrSessionClosed
	case strings.TrimSpace(text) == "":
		return ErrEmptyMessage
	case s.credential == "":
		return ErrCredentialMissing
	case s.loading:
		return ErrRequestInFlight
	}

	turn := s.appendTurnLocked(chat.RoleUser, text)
	s.input = ""
	s.loading = true
	s.buffer.Reset()
	s.exchange++
	s.notifyLocked(Event{Type: EventTurn, Turn: &turn})

	req := completion.Request{
		SystemInstruction: s.system,
		UserMessage:       text,
		Model:             s.model,
		Credential:        s.credential,
	}
	listener := &exchangeListener{session: s, exchange: s.exchange}

	log.Debug().Str("session", s.id).Uint64("exchange", s.exchange).Msg("[chat] exchange started")
	go s.completer.Stream(s.ctx, req, listener)
	return nil
}

// OnFragment appends text to the stream buffer of the outstanding exchange.
func (s *Session) OnFragment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragmentLocked(s.exchange, text)
}

// OnComplete commits the full text as an assistant turn and ends the exchange.
func (s *Session) OnComplete(fullText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeLocked(s.exchange, fullText)
}

// OnFailure commits a synthetic assistant turn describing reason and ends the exchange.
func (s *Session) OnFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(s.exchange, reason)
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() chat.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() chat.Snapshot {
	turns := make([]chat.Turn, len(s.turns))
	copy(turns, s.turns)
	return chat.Snapshot{
		SessionID:       s.id,
		Model:           s.model,
		Turns:           turns,
		Streaming:       s.buffer.String(),
		Loading:         s.loading,
		Input:           s.input,
		CredentialSet:   s.credential != "",
		SettingsVisible: s.settingsVisible,
	}
}

// Transcript returns a copy of the committed turns.
func (s *Session) Transcript() []chat.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := make([]chat.Turn, len(s.turns))
	copy(turns, s.turns)
	return turns
}

// Subscribe registers an observer. The channel is closed when the session closes,
// when unsubscribe is called, or when the observer falls too far behind.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked()
}

// SubscribeWithSnapshot registers an observer and returns the state it starts from.
// The first event delivered is the first mutation after the snapshot.
func (s *Session) SubscribeWithSnapshot() (chat.Snapshot, <-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, unsubscribe := s.subscribeLocked()
	return s.snapshotLocked(), events, unsubscribe
}

func (s *Session) subscribeLocked() (<-chan Event, func()) {
	ch := make(chan Event, observerBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if obs, ok := s.observers[id]; ok {
				delete(s.observers, id)
				close(obs)
			}
		})
	}
}

// Close abandons any in-flight exchange without a callback and releases observers.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.closed = true
	s.cancel()
	for id, ch := range s.observers {
		delete(s.observers, id)
		close(ch)
	}
	log.Debug().Str("session", s.id).Int("turns", len(s.turns)).Msg("[chat] session closed")
}

func (s *Session) active(exchange uint64) bool {
	return !s.closed && s.loading && exchange == s.exchange
}

func (s *Session) fragmentLocked(exchange uint64, text string) {
	if !s.active(exchange) || text == "" {
		return
	}
	s.buffer.WriteString(text)
	s.notifyLocked(Event{Type: EventFragment, Fragment: text})
}

func (s *Session) completeLocked(exchange uint64, fullText string) {
	if !s.active(exchange) {
		return
	}
	turn := s.appendTurnLocked(chat.RoleAssistant, fullText)
	s.buffer.Reset()
	s.loading = false
	s.notifyLocked(Event{Type: EventTurn, Turn: &turn})
}

func (s *Session) failLocked(exchange uint64, reason string) {
	if !s.active(exchange) {
		return
	}
	log.Info().Str("session", s.id).Uint64("exchange", exchange).Str("reason", reason).Msg("[chat] exchange failed")

	turn := s.appendTurnLocked(chat.RoleAssistant, fmt.Sprintf(FailureTemplate, reason))
	s.buffer.Reset()
	s.loading = false
	s.notifyLocked(Event{Type: EventTurn, Turn: &turn})
}

func (s *Session) appendTurnLocked(role chat.Role, content string) chat.Turn {
	turn := chat.Turn{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      role,
		Timestamp: s.now(),
	}
	s.turns = append(s.turns, turn)
	return turn
}

func (s *Session) stateLocked() State {
	return State{
		Streaming:       s.buffer.String(),
		Loading:         s.loading,
		Input:           s.input,
		CredentialSet:   s.credential != "",
		SettingsVisible: s.settingsVisible,
		TurnCount:       len(s.turns),
	}
}

func (s *Session) notifyLocked(ev Event) {
	if len(s.observers) == 0 {
		return
	}
	ev.SessionID = s.id
	ev.State = s.stateLocked()

	for id, ch := range s.observers {
		select {
		case ch <- ev:
		default:
			// 观察者处理过慢，断开而不是阻塞会话
			log.Warn().Str("session", s.id).Uint64("observer", id).Msg("[chat] dropping slow observer")
			delete(s.observers, id)
			close(ch)
		}
	}
}

// exchangeListener binds completion events to the exchange that produced them, so
// late events from an earlier exchange can never touch the current one.
type exchangeListener struct {
	session  *Session
	exchange uint64
}

func (l *exchangeListener) OnFragment(text string) {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	l.session.fragmentLocked(l.exchange, text)
}

func (l *exchangeListener) OnComplete(fullText string) {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	l.session.completeLocked(l.exchange, fullText)
}

func (l *exchangeListener) OnFailure(reason string) {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	l.session.failLocked(l.exchange, reason)
}
