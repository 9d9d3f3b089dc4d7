package transport_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epifetch/epifetch/internal/task"
	"github.com/epifetch/epifetch/internal/transport"
)

func newTask(t *testing.T, url string) *task.Task {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "episode.mp4")
	return task.New(url, dest, nil, 1, "episode", 3)
}

func smallChunkConfig() *transport.ClientConfig {
	cfg := transport.DefaultConfig()
	cfg.ChunkSize = 8
	return cfg
}

func TestFetchFreshDownload(t *testing.T) {
	content := []byte("hello this is the full episode body")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	tk := newTask(t, server.URL)
	client := transport.NewClient(smallChunkConfig())

	var calls atomic.Int32
	err := client.Fetch(context.Background(), tk, func(int64) { calls.Add(1) })
	require.NoError(t, err)

	got, err := os.ReadFile(tk.Destination)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), tk.GetDownloaded())
	assert.Equal(t, int64(len(content)), tk.GetTotalSize())
	assert.Positive(t, calls.Load())
}

func TestFetchResumeWithRange(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	offset := int64(10)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("bytes=%d-", offset), r.Header.Get("Range"))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		w.Header().Set("Content-Length", fmt.Sprint(int64(len(content))-offset))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[offset:])
	}))
	defer server.Close()

	tk := newTask(t, server.URL)
	require.NoError(t, os.WriteFile(tk.Destination, content[:offset], 0o644))
	tk.SetDownloaded(offset)

	client := transport.NewClient(smallChunkConfig())
	require.NoError(t, client.Fetch(context.Background(), tk, nil))

	got, err := os.ReadFile(tk.Destination)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), tk.GetTotalSize())
	assert.Equal(t, int64(len(content)), tk.GetDownloaded())
}

func TestFetchRestartsWhenRangeIgnored(t *testing.T) {
	content := []byte("full body served from scratch")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 regardless of the Range header.
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	tk := newTask(t, server.URL)
	require.NoError(t, os.WriteFile(tk.Destination, []byte("stale partial data"), 0o644))
	tk.SetDownloaded(18)

	client := transport.NewClient(smallChunkConfig())
	require.NoError(t, client.Fetch(context.Background(), tk, nil))

	got, err := os.ReadFile(tk.Destination)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), tk.GetDownloaded())
}

func TestFetchClampsOffsetToDiskSize(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	real := int64(5)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("bytes=%d-", real), r.Header.Get("Range"))
		w.Header().Set("Content-Length", fmt.Sprint(int64(len(content))-real))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[real:])
	}))
	defer server.Close()

	tk := newTask(t, server.URL)
	// Manifest claims more than the file actually holds.
	require.NoError(t, os.WriteFile(tk.Destination, content[:real], 0o644))
	tk.SetDownloaded(15)

	client := transport.NewClient(smallChunkConfig())
	require.NoError(t, client.Fetch(context.Background(), tk, nil))

	got, err := os.ReadFile(tk.Destination)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetchDropsBytesBeyondOffset(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	offset := int64(10)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fmt.Sprintf("bytes=%d-", offset), r.Header.Get("Range"))
		w.Header().Set("Content-Length", fmt.Sprint(int64(len(content))-offset))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[offset:])
	}))
	defer server.Close()

	tk := newTask(t, server.URL)
	// The file grew past the recorded offset between runs; the extra
	// bytes are untrusted and must not survive the resume.
	overgrown := append(append([]byte{}, content[:offset]...), []byte("garbage appended externally")...)
	require.NoError(t, os.WriteFile(tk.Destination, overgrown, 0o644))
	tk.SetDownloaded(offset)

	client := transport.NewClient(smallChunkConfig())
	require.NoError(t, client.Fetch(context.Background(), tk, nil))

	got, err := os.ReadFile(tk.Destination)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), tk.GetDownloaded())
}

func TestFetchUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tk := newTask(t, server.URL)
	client := transport.NewClient(nil)

	err := client.Fetch(context.Background(), tk, nil)
	require.Error(t, err)

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindHTTPStatus, terr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, terr.Status)
}

func TestFetchTruncatedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("only twenty bytes!!!"))
		// Hijack and drop so the client sees a short body instead of
		// Content-Length enforcement errors.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
	}))
	defer server.Close()

	tk := newTask(t, server.URL)
	client := transport.NewClient(smallChunkConfig())

	err := client.Fetch(context.Background(), tk, nil)
	require.Error(t, err)

	var terr *transport.Error
	if errors.As(err, &terr) {
		assert.Contains(t, []transport.Kind{transport.KindTruncated, transport.KindConnection}, terr.Kind)
	}
	// Whatever made it to disk is accounted for.
	info, statErr := os.Stat(tk.Destination)
	require.NoError(t, statErr)
	assert.Equal(t, info.Size(), tk.GetDownloaded())
}

func TestFetchMalformedURL(t *testing.T) {
	tk := newTask(t, "ftp://example.com/file")
	client := transport.NewClient(nil)

	err := client.Fetch(context.Background(), tk, nil)
	require.Error(t, err)

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindValidation, terr.Kind)
}

func TestFetchConnectionRefused(t *testing.T) {
	tk := newTask(t, "http://127.0.0.1:1/nothing")
	client := transport.NewClient(nil)

	err := client.Fetch(context.Background(), tk, nil)
	require.Error(t, err)

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindConnection, terr.Kind)
}

func TestFetchCancellationMidTransfer(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write([]byte(strings.Repeat("x", 1024)))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	tk := newTask(t, server.URL)
	client := transport.NewClient(smallChunkConfig())

	ctx, cancel := context.WithCancel(context.Background())

	progressed := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Fetch(ctx, tk, func(int64) {
			select {
			case progressed <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-progressed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for first chunk")
	}
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for cancellation")
	}

	// Counter matches what was flushed to disk.
	info, err := os.Stat(tk.Destination)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), tk.GetDownloaded())
}
