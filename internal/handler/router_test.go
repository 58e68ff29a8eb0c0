package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chatService "github.com/zhouzirui/streamchat/backend/internal/service/chat"
	"github.com/zhouzirui/streamchat/backend/internal/service/completion"
)

type nopCompleter struct{}

func (nopCompleter) Stream(context.Context, completion.Request, completion.Listener) {}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	chatSvc := chatService.NewService(nopCompleter{}, chatService.Options{Model: "gpt-4.1-mini"})
	t.Cleanup(chatSvc.Close)
	return NewRouter(chatSvc, nopCompleter{}, "gpt-4.1-mini")
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if resp.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS headers")
	}
}

func TestRoutesAreMountedUnderAPI(t *testing.T) {
	r := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/sessions/missing/events", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside /api, got %d", resp.Code)
	}
}
