package providers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/providers"
)

func TestTargetPlatform(t *testing.T) {
	cases := map[string]string{
		"https://www.instagram.com/p/abc/":    "instagram",
		"https://m.youtube.com/watch?v=1":     "youtube",
		"https://youtu.be/xyz":                "youtube",
		"https://x.com/someone/status/1":      "twitter",
		"https://t.me/channel":                "telegram",
		"https://open.spotify.com/track/1":    "spotify",
		"https://example.org/landing":         "",
		"not a url":                           "",
		"https://instagram.com.evil.example/": "",
	}
	for raw, want := range cases {
		if got := providers.TargetPlatform(raw); got != want {
			t.Fatalf("TargetPlatform(%q)=%q, want %q", raw, got, want)
		}
	}
}

func TestTargetMatches(t *testing.T) {
	if !providers.TargetMatches("instagram", "https://instagram.com/x") {
		t.Fatalf("same platform must match")
	}
	if providers.TargetMatches("instagram", "https://youtube.com/watch?v=1") {
		t.Fatalf("other platform must not match")
	}
	if !providers.TargetMatches("instagram", "https://bit.ly/abc") {
		t.Fatalf("unknown hosts are left to the provider")
	}
	if !providers.TargetMatches(providers.Unclassified, "https://youtube.com/watch?v=1") {
		t.Fatalf("unclassified services accept any link")
	}
}

func TestTransportRejectsHTMLReplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<!DOCTYPE html><html><head><title>Just a   moment...</title></head><body>challenge</body></html>"))
	}))
	defer srv.Close()

	transport := providers.NewTransport(providers.TransportConfig{Timeout: time.Second, RPS: 100}, nil, nil)
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("action=balance"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err = transport.Do(context.Background(), req)
	if !errors.Is(err, fault.ErrProviderMalformed) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	var apiErr *providers.APIError
	if !errors.As(err, &apiErr) || apiErr.Body != "html page: Just a moment..." {
		t.Fatalf("expected page title in cause, got %v", err)
	}
}

func TestTransportMapsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html><body><h1>502 Bad Gateway</h1></body></html>"))
	}))
	defer srv.Close()

	transport := providers.NewTransport(providers.TransportConfig{Timeout: time.Second, RPS: 100}, nil, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := transport.Do(context.Background(), req)
	if !errors.Is(err, fault.ErrProviderNetwork) || !fault.Retryable(err) {
		t.Fatalf("expected retryable network failure, got %v", err)
	}
	var apiErr *providers.APIError
	if !errors.As(err, &apiErr) || apiErr.Body != "html page: 502 Bad Gateway" {
		t.Fatalf("expected heading in cause, got %v", err)
	}
}
