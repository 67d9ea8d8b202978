// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quarry-pm/quarry/pkg/pkgname"
)

func mustName(t *testing.T, s string) pkgname.Name {
	t.Helper()
	name, err := pkgname.Parse(s)
	if err != nil {
		t.Fatalf("pkgname.Parse(%q) error = %v", s, err)
	}
	return name
}

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(Config{
		BaseURL: srv.URL,
		Backoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	return client
}

func TestMetadataDecodes(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/package-metadata/acme/foo" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{
			"versions": [
				{"version": "1.0.0", "realm": "shared", "digest": "abc", "dependencies": {"Bar": "acme/bar@^2.0.0"}},
				{"version": "1.5.0", "realm": "shared", "digest": "def"}
			]
		}`)
	}))

	versions, err := client.Metadata(context.Background(), mustName(t, "acme/foo"))
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("Metadata() returned %d versions, want 2", len(versions))
	}
	if versions[0].Version != "1.0.0" || versions[0].Dependencies["Bar"] != "acme/bar@^2.0.0" {
		t.Errorf("versions[0] = %+v", versions[0])
	}
}

func TestMetadataNotFound(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := client.Metadata(context.Background(), mustName(t, "acme/missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Metadata() error = %v, want ErrNotFound", err)
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Errorf("Metadata() error = %v, want *FetchError", err)
	}
}

func TestMetadataRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"versions": [{"version": "1.0.0"}]}`)
	}))

	versions, err := client.Metadata(context.Background(), mustName(t, "acme/flaky"))
	if err != nil {
		t.Fatalf("Metadata() error = %v after %d calls", err, calls.Load())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
	if len(versions) != 1 {
		t.Errorf("Metadata() returned %d versions, want 1", len(versions))
	}
}

func TestMetadataDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))

	if _, err := client.Metadata(context.Background(), mustName(t, "acme/gone")); err == nil {
		t.Fatal("Metadata() succeeded, want error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1", got)
	}
}

func TestContentsSendsAuthToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/v1/package-contents/acme/foo/1.5.0" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte("zip-bytes"))
	}))
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(Config{BaseURL: srv.URL, AuthToken: "sekret"})
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}

	body, err := client.Contents(context.Background(), mustName(t, "acme/foo"), "1.5.0")
	if err != nil {
		t.Fatalf("Contents() error = %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "zip-bytes" {
		t.Errorf("Contents() body = %q", data)
	}
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPClient(Config{BaseURL: "not a url"}); err == nil {
		t.Error("NewHTTPClient() accepted an invalid URL")
	}
	if _, err := NewHTTPClient(Config{BaseURL: "relative/path"}); err == nil {
		t.Error("NewHTTPClient() accepted a URL without scheme")
	}
}

func TestMemoFetchesOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"versions": [{"version": "1.0.0"}]}`)
	}))

	memo := NewMemo(client)
	name := mustName(t, "acme/foo")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := memo.Metadata(context.Background(), name); err != nil {
				t.Errorf("Metadata() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1", got)
	}
}

func TestMemoDoesNotCacheFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"versions": [{"version": "1.0.0"}]}`)
	}))

	memo := NewMemo(client)
	name := mustName(t, "acme/foo")

	if _, err := memo.Metadata(context.Background(), name); err == nil {
		t.Fatal("first Metadata() succeeded, want error")
	}
	if _, err := memo.Metadata(context.Background(), name); err != nil {
		t.Fatalf("second Metadata() error = %v", err)
	}
}

func TestRetryWithBackoffHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := RetryWithBackoff(ctx, 3, time.Hour, func() error {
		calls++
		return Retryable(errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RetryWithBackoff() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}
