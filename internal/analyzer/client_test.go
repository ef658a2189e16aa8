package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Timeout: 2 * time.Second})
}

func TestAnalyzeSendsPayloadAndSortsLabels(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/analyze" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["image"] != "data:image/png;base64,AAAA" {
			t.Errorf("unexpected image %v", body["image"])
		}
		if body["min_confidence"] != float64(80) {
			t.Errorf("unexpected min_confidence %v", body["min_confidence"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"request_id":"req-1","labels":[{"name":"Cat","confidence":91.2},{"Name":"Dog","Confidence":95.0}]}`))
	})

	res, err := client.Analyze(context.Background(), "data:image/png;base64,AAAA")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	got := res.Labels.Labels()
	if res.RequestID != "req-1" || len(got) != 2 || got[0].Name != "Dog" || got[1].Name != "Cat" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestAnalyzeApplicationFailureUsesServerMessage(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"bad image"}`))
	})

	_, err := client.Analyze(context.Background(), "x")
	var aErr *Error
	if !errors.As(err, &aErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if aErr.Kind != KindApplication || aErr.Message != "bad image" || err.Error() != "bad image" {
		t.Fatalf("unexpected error %+v", aErr)
	}
}

func TestAnalyzeApplicationFailureFallsBack(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	})

	_, err := client.Analyze(context.Background(), "x")
	if err == nil || err.Error() != msgProcessFailed {
		t.Fatalf("expected fallback message, got %v", err)
	}
}

func TestAnalyzeHTTPFailure(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "server message", body: `{"success":false,"error":"Image too large","error_code":"ImageTooLargeException"}`, want: "Image too large"},
		{name: "no json", body: `<html>oops</html>`, want: msgAnalyzeFailed},
		{name: "empty error", body: `{"success":false}`, want: msgAnalyzeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := client.Analyze(context.Background(), "x")
			var aErr *Error
			if !errors.As(err, &aErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if aErr.Kind != KindHTTP || aErr.Status != http.StatusBadRequest || aErr.Message != tc.want {
				t.Fatalf("unexpected error %+v", aErr)
			}
		})
	}
}

func TestAnalyzeTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := New(Config{BaseURL: url, Timeout: time.Second})
	_, err := client.Analyze(context.Background(), "x")
	var aErr *Error
	if !errors.As(err, &aErr) || aErr.Kind != KindTransport || aErr.Message != msgUnreachable {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestAnalyzeSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("unexpected authorization %q", got)
		}
		_, _ = w.Write([]byte(`{"success":true,"labels":[]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, Token: " secret-token "})
	res, err := client.Analyze(context.Background(), "x")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Labels.Len() != 0 {
		t.Fatalf("expected no labels, got %d", res.Labels.Len())
	}
}

func TestAnalyzeRejectsOverlappingCalls(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		_, _ = w.Write([]byte(`{"success":true,"labels":[]}`))
	})

	done := make(chan error, 1)
	go func() {
		_, err := client.Analyze(context.Background(), "x")
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request did not start")
	}

	if _, err := client.Analyze(context.Background(), "x"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if client.inFlight.Load() {
		t.Fatal("in-flight flag not cleared")
	}
}

func TestHealth(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy","service":"Image Labels Generator","version":"1.0.0"}`))
	})

	status, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if status.Status != "healthy" || status.Version != "1.0.0" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestBaseURLFromEnv(t *testing.T) {
	t.Setenv("API_URL", "")
	if got := BaseURLFromEnv(); got != DefaultBaseURL {
		t.Fatalf("expected default, got %q", got)
	}
	t.Setenv("API_URL", "https://labels.example.com")
	if got := New(Config{}).BaseURL(); got != "https://labels.example.com" {
		t.Fatalf("unexpected base url %q", got)
	}
}
