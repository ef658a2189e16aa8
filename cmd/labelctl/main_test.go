package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func writePNG(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pet.png")
	fh, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer fh.Close()
	if err := png.Encode(fh, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func labelServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"healthy","service":"Image Labels Generator","version":"1.0.0"}`))
		case "/api/analyze":
			_, _ = w.Write([]byte(`{"success":true,"request_id":"r1","labels":[{"name":"Cat","confidence":91.2},{"Name":"Dog","Confidence":95.0}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-api", " http://x ", "-threshold", "93", "img.png"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.apiURL != "http://x" || opts.threshold != 93 || opts.imagePath != "img.png" {
		t.Fatalf("unexpected options %+v", opts)
	}

	if _, err := parseFlags([]string{"-threshold", "101", "img.png"}); err == nil {
		t.Fatal("expected threshold range error")
	}
	if _, err := parseFlags([]string{}); err == nil {
		t.Fatal("expected missing image error")
	}
	if _, err := parseFlags([]string{"-check"}); err != nil {
		t.Fatalf("check needs no image: %v", err)
	}
}

func TestRunPrintsFilteredLabels(t *testing.T) {
	srv := labelServer(t)
	var out bytes.Buffer
	opts := cliOptions{apiURL: srv.URL, threshold: 93, barWidth: 0, imagePath: writePNG(t)}

	if err := run(context.Background(), opts, zap.NewNop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "pet.png (threshold 93%)") || !strings.Contains(got, "Dog") || strings.Contains(got, "Cat") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRunJSON(t *testing.T) {
	srv := labelServer(t)
	var out bytes.Buffer
	opts := cliOptions{apiURL: srv.URL, jsonOut: true, imagePath: writePNG(t)}

	if err := run(context.Background(), opts, zap.NewNop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	var decoded struct {
		RequestID string `json:"request_id"`
		View      struct {
			Cards []struct {
				Name string `json:"name"`
				Text string `json:"text"`
			} `json:"cards"`
		} `json:"view"`
	}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RequestID != "r1" || len(decoded.View.Cards) != 2 || decoded.View.Cards[0].Text != "95.0%" {
		t.Fatalf("unexpected json %s", out.String())
	}
}

func TestRunCheck(t *testing.T) {
	srv := labelServer(t)
	var out bytes.Buffer
	if err := run(context.Background(), cliOptions{apiURL: srv.URL, check: true}, zap.NewNop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "Image Labels Generator 1.0.0: healthy" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRunRejectsUnsupportedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := run(context.Background(), cliOptions{apiURL: "http://127.0.0.1:1", imagePath: path}, zap.NewNop(), &bytes.Buffer{})
	if err == nil || err.Error() != "Please select only JPG or PNG files." {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRealMainExitCodes(t *testing.T) {
	srv := labelServer(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name   string
		args   []string
		code   int
		stdout string
		stderr string
	}{
		{name: "health", args: []string{"-api", srv.URL, "-check"}, code: 0, stdout: "healthy"},
		{name: "bad threshold", args: []string{"-threshold", "200", "x.png"}, code: 2, stderr: "threshold must be between 0 and 100"},
		{name: "rejected file", args: []string{"-api", srv.URL, path}, code: 1, stderr: "Please select only JPG or PNG files."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := realMain(tc.args, &stdout, &stderr); code != tc.code {
				t.Fatalf("exit code %d, want %d (stderr %q)", code, tc.code, stderr.String())
			}
			if !strings.Contains(stdout.String(), tc.stdout) || !strings.Contains(stderr.String(), tc.stderr) {
				t.Fatalf("unexpected output stdout=%q stderr=%q", stdout.String(), stderr.String())
			}
		})
	}
}
