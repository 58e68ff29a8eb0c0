package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/streamchat/backend/internal/model/chat"
	"github.com/zhouzirui/streamchat/backend/internal/service/completion"
)

type fakeCompleter struct {
	mu        sync.Mutex
	requests  []completion.Request
	listeners []completion.Listener
	script    func(l completion.Listener)
	started   chan struct{}
}

func newFakeCompleter(script func(l completion.Listener)) *fakeCompleter {
	return &fakeCompleter{script: script, started: make(chan struct{}, 16)}
}

func (f *fakeCompleter) Stream(_ context.Context, req completion.Request, l completion.Listener) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()

	if f.script != nil {
		f.script(l)
	}
	f.started <- struct{}{}
}

func (f *fakeCompleter) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange was not started")
	}
}

func (f *fakeCompleter) assertNotStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
		t.Fatal("exchange must not start")
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fakeCompleter) listener(i int) completion.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[i]
}

func (f *fakeCompleter) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestSession(completer Completer) *Session {
	return NewSession(context.Background(), completer, Options{
		Model:             "gpt-4.1-mini",
		SystemInstruction: "You are a helpful AI assistant.",
	})
}

func waitForAssistantTurn(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var seen []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "observer closed early")
			seen = append(seen, ev)
			if ev.Type == EventTurn && ev.Turn.Role == chat.RoleAssistant {
				return seen
			}
		case <-timeout:
			t.Fatal("timed out waiting for assistant turn")
		}
	}
}

func TestSubmitAppendsUserTurnBeforeExchange(t *testing.T) {
	completer := newFakeCompleter(nil)
	session := newTestSession(completer)
	session.SetCredential("sk-x")
	session.SetInput("Hi")

	require.NoError(t, session.Submit("Hi"))

	snap := session.Snapshot()
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, chat.RoleUser, snap.Turns[0].Role)
	assert.Equal(t, "Hi", snap.Turns[0].Content)
	assert.NotEmpty(t, snap.Turns[0].ID)
	assert.False(t, snap.Turns[0].Timestamp.IsZero())
	assert.True(t, snap.Loading)
	assert.Equal(t, "", snap.Input)
	assert.Equal(t, "", snap.Streaming)

	completer.waitStarted(t)
	assert.Equal(t, 1, completer.requestCount())
	assert.Equal(t, completion.Request{
		SystemInstruction: "You are a helpful AI assistant.",
		UserMessage:       "Hi",
		Model:             "gpt-4.1-mini",
		Credential:        "sk-x",
	}, completer.requests[0])
}

func TestSubmitIsNoOpForBlankTextOrMissingCredential(t *testing.T) {
	cases := []struct {
		name       string
		credential string
		text       string
		want       error
	}{
		{name: "empty text", credential: "sk-x", text: "", want: ErrEmptyMessage},
		{name: "whitespace text", credential: "sk-x", text: " \t\n", want: ErrEmptyMessage},
		{name: "no credential", credential: "", text: "Hi", want: ErrCredentialMissing},
		{name: "blank credential", credential: "   ", text: "Hi", want: ErrCredentialMissing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			completer := newFakeCompleter(nil)
			session := newTestSession(completer)
			session.SetCredential(tc.credential)
			session.SetInput("draft")

			err := session.Submit(tc.text)
			assert.ErrorIs(t, err, tc.want)

			snap := session.Snapshot()
			assert.Empty(t, snap.Turns)
			assert.False(t, snap.Loading)
			assert.Equal(t, "draft", snap.Input)
			completer.assertNotStarted(t)
		})
	}
}

func TestFragmentsAccumulateInStreamBuffer(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	session.SetCredential("sk-x")
	require.NoError(t, session.Submit("Hi"))

	session.OnFragment("Hel")
	session.OnFragment("lo")

	snap := session.Snapshot()
	assert.Equal(t, "Hello", snap.Streaming)
	assert.True(t, snap.Loading)
	assert.Len(t, snap.Turns, 1)
}

func TestCompleteCommitsAssistantTurn(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	session.SetCredential("sk-x")
	require.NoError(t, session.Submit("Hi"))
	session.OnFragment("Hel")
	session.OnFragment("lo")

	session.OnComplete("Hello")

	snap := session.Snapshot()
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, chat.RoleAssistant, snap.Turns[1].Role)
	assert.Equal(t, "Hello", snap.Turns[1].Content)
	assert.Equal(t, "", snap.Streaming)
	assert.False(t, snap.Loading)

	// a second terminal event for the same exchange is ignored
	session.OnComplete("Hello again")
	session.OnFailure("late")
	assert.Len(t, session.Transcript(), 2)
}

func TestFailureCommitsSyntheticTurn(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	session.SetCredential("sk-x")
	require.NoError(t, session.Submit("Hi"))
	session.OnFragment("partial")

	session.OnFailure("bad key")

	snap := session.Snapshot()
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, chat.RoleAssistant, snap.Turns[1].Role)
	assert.Contains(t, snap.Turns[1].Content, "bad key")
	assert.Equal(t, fmt.Sprintf(FailureTemplate, "bad key"), snap.Turns[1].Content)
	assert.False(t, snap.Loading)
	assert.Equal(t, "", snap.Streaming)

	// the user may retry right away
	require.NoError(t, session.Submit("Hi again"))
}

func TestSubmitWhileLoadingHasNoEffect(t *testing.T) {
	completer := newFakeCompleter(nil)
	session := newTestSession(completer)
	session.SetCredential("sk-x")
	require.NoError(t, session.Submit("first"))
	completer.waitStarted(t)

	err := session.Submit("second")
	assert.ErrorIs(t, err, ErrRequestInFlight)

	assert.Len(t, session.Transcript(), 1)
	completer.assertNotStarted(t)
	assert.Equal(t, 1, completer.requestCount())
}

func TestCallbacksWithoutOutstandingExchangeAreIgnored(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))

	session.OnFragment("stray")
	session.OnComplete("stray")
	session.OnFailure("stray")

	snap := session.Snapshot()
	assert.Empty(t, snap.Turns)
	assert.Equal(t, "", snap.Streaming)
}

func TestLateEventsFromEarlierExchangeAreIgnored(t *testing.T) {
	completer := newFakeCompleter(nil)
	session := newTestSession(completer)
	session.SetCredential("sk-x")

	require.NoError(t, session.Submit("one"))
	completer.waitStarted(t)
	first := completer.listener(0)
	first.OnComplete("answer one")

	require.NoError(t, session.Submit("two"))
	completer.waitStarted(t)

	first.OnFragment("stale")
	first.OnComplete("stale")

	snap := session.Snapshot()
	assert.Len(t, snap.Turns, 3)
	assert.Equal(t, "", snap.Streaming)
	assert.True(t, snap.Loading)

	completer.listener(1).OnComplete("answer two")
	turns := session.Transcript()
	require.Len(t, turns, 4)
	assert.Equal(t, "answer two", turns[3].Content)
}

func TestTranscriptIsAppendOnly(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	session.SetCredential("sk-x")

	history := []chat.Turn{}
	for i := 0; i < 3; i++ {
		require.NoError(t, session.Submit(fmt.Sprintf("question %d", i)))
		session.OnFragment("a")
		if i%2 == 0 {
			session.OnComplete("answer")
		} else {
			session.OnFailure("oops")
		}

		turns := session.Transcript()
		require.Len(t, turns, len(history)+2)
		assert.Equal(t, history, turns[:len(history)])
		history = turns
	}

	// mutating a returned copy never reaches the session
	history[0].Content = "edited"
	assert.Equal(t, "question 0", session.Transcript()[0].Content)
}

func TestEndToEndExchange(t *testing.T) {
	completer := newFakeCompleter(func(l completion.Listener) {
		l.OnFragment("H")
		l.OnFragment("i")
		l.OnFragment("!")
		l.OnComplete("Hi!")
	})
	session := newTestSession(completer)
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	session.SetCredential("sk-x")
	require.NoError(t, session.Submit("Hi"))
	seen := waitForAssistantTurn(t, events)

	var types []EventType
	var fragments []string
	for _, ev := range seen {
		types = append(types, ev.Type)
		if ev.Type == EventFragment {
			fragments = append(fragments, ev.Fragment)
		}
	}
	assert.Equal(t, []EventType{EventState, EventTurn, EventFragment, EventFragment, EventFragment, EventTurn}, types)
	assert.Equal(t, []string{"H", "i", "!"}, fragments)
	assert.Equal(t, "Hi!", seen[4].State.Streaming)

	snap := session.Snapshot()
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, chat.RoleUser, snap.Turns[0].Role)
	assert.Equal(t, "Hi", snap.Turns[0].Content)
	assert.Equal(t, chat.RoleAssistant, snap.Turns[1].Role)
	assert.Equal(t, "Hi!", snap.Turns[1].Content)
	assert.Equal(t, "", snap.Streaming)
	assert.False(t, snap.Loading)
}

func TestSnapshotNeverExposesCredential(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	session.SetCredential("  sk-secret  ")

	snap := session.Snapshot()
	assert.True(t, snap.CredentialSet)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")

	session.SetCredential("")
	assert.False(t, session.Snapshot().CredentialSet)
}

func TestSettingsVisibility(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	assert.False(t, session.Snapshot().SettingsVisible)

	session.ToggleSettings()
	assert.True(t, session.Snapshot().SettingsVisible)

	session.SetSettingsVisible(false)
	assert.False(t, session.Snapshot().SettingsVisible)
}

func TestCloseReleasesObserversAndRejectsSubmit(t *testing.T) {
	completer := newFakeCompleter(nil)
	session := newTestSession(completer)
	events, _ := session.Subscribe()
	session.SetCredential("sk-x")
	require.NoError(t, session.Submit("Hi"))
	completer.waitStarted(t)

	session.Close()

	for range events {
	}
	assert.ErrorIs(t, session.Submit("again"), ErrSessionClosed)

	// the abandoned exchange reports nothing back
	completer.listener(0).OnComplete("too late")
	assert.Len(t, session.Transcript(), 1)

	closed, _ := session.Subscribe()
	_, ok := <-closed
	assert.False(t, ok)
}

func TestSlowObserverIsDropped(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	for i := 0; i < observerBuffer+5; i++ {
		session.SetInput(fmt.Sprintf("draft %d", i))
	}

	count := 0
	for range events {
		count++
	}
	assert.Equal(t, observerBuffer, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	events, unsubscribe := session.Subscribe()

	unsubscribe()
	unsubscribe()
	session.SetInput("after")

	_, ok := <-events
	assert.False(t, ok)
}

func TestSubscribeWithSnapshotStartsAfterSnapshot(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	session.SetCredential("sk-x")
	require.NoError(t, session.Submit("Hi"))
	session.OnFragment("Hel")

	snap, events, unsubscribe := session.SubscribeWithSnapshot()
	defer unsubscribe()
	assert.Equal(t, "Hel", snap.Streaming)
	require.Len(t, snap.Turns, 1)

	session.OnFragment("lo")
	ev := <-events
	assert.Equal(t, EventFragment, ev.Type)
	assert.Equal(t, "lo", ev.Fragment)
}

func TestSubscribeWithSnapshotNeverRepeatsFragments(t *testing.T) {
	session := newTestSession(newFakeCompleter(nil))
	session.SetCredential("sk-x")
	require.NoError(t, session.Submit("Hi"))

	const n = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			session.OnFragment(fmt.Sprintf("%d,", i))
		}
	}()

	snap, events, unsubscribe := session.SubscribeWithSnapshot()
	defer unsubscribe()
	<-done

	rebuilt := snap.Streaming
	for len(events) > 0 {
		ev := <-events
		rebuilt += ev.Fragment
	}
	assert.Equal(t, session.Snapshot().Streaming, rebuilt)
}
