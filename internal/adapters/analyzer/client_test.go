package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeAgentServer struct {
	mu       sync.Mutex
	sessions map[string]map[string]any
	prompts  []string
	auth     []string
}

func (f *fakeAgentServer) handler(reply string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/apps/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			State map[string]any `json:"state"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		f.mu.Lock()
		f.sessions[parts[len(parts)-1]] = body.State
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	})
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		var body runReq
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.prompts = append(f.prompts, body.NewMessage.Parts[0].Text)
		f.mu.Unlock()
		events := []runEvent{
			{Author: "ForensicOrchestrator", Content: &content{Role: "model", Parts: []part{{Text: "thinking..."}}}},
			{Author: "BinaryAnalyzer", Content: &content{Role: "model", Parts: []part{{Text: reply}}}},
			{Author: "BinaryAnalyzer"},
		}
		_ = json.NewEncoder(w).Encode(events)
	})
	return mux
}

func TestClient_InvokeReturnsFinalText(t *testing.T) {
	fake := &fakeAgentServer{sessions: map[string]map[string]any{}}
	srv := httptest.NewServer(fake.handler(`{"verdict":"BENIGN"}`))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "forensic_ledger", 5*time.Second)
	got, err := c.Invoke(context.Background(), Request{
		SessionID: "req-1",
		Agent:     "BinaryAnalyzer",
		Prompt:    "analyze /tmp/a.exe",
		State:     map[string]any{"artifact_path": "/tmp/a.exe"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != `{"verdict":"BENIGN"}` {
		t.Fatalf("reply: %q", got)
	}
	if fake.sessions["req-1"]["artifact_path"] != "/tmp/a.exe" {
		t.Fatalf("session state not sent: %+v", fake.sessions)
	}
	if len(fake.prompts) != 1 || fake.prompts[0] != "analyze /tmp/a.exe" {
		t.Fatalf("prompts: %v", fake.prompts)
	}
	if fake.auth[0] != "Bearer secret" {
		t.Fatalf("auth header: %q", fake.auth[0])
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"server error", http.StatusBadGateway, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", "app", time.Second).Invoke(context.Background(), Request{SessionID: "s"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClient_UnreachableAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(addr, "", "app", time.Second).Invoke(context.Background(), Request{SessionID: "s"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for closed server, got %v", err)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewClient(slow.URL, "", "app", time.Minute).Invoke(ctx, Request{SessionID: "s"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}

	if _, err := NewClient("", "", "app", time.Second).Invoke(context.Background(), Request{SessionID: "s"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without endpoint, got %v", err)
	}
}
