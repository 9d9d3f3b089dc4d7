package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/epifetch/epifetch/internal/logger"
	"github.com/epifetch/epifetch/internal/task"
)

// Client executes one resumable chunked fetch per call. It has no
// knowledge of other tasks; scheduling and retries live above it.
type Client struct {
	client    *http.Client
	transport *http.Transport
	config    ClientConfig
}

// NewClient builds a Client around a tuned http.Transport.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1 << 20
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: config.TLSHandshakeTimeout,

		ResponseHeaderTimeout: config.ResponseHeaderTimeout,

		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAliveTimeout,
		}).DialContext,
	}

	if config.TLSConfig != nil {
		transport.TLSClientConfig = config.TLSConfig
	} else if config.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    *config,
	}
}

// Fetch downloads t.URL to t.Destination, resuming from the task's byte
// offset when the destination already holds that many bytes. onProgress is
// invoked after every durably written chunk with the chunk length; the
// task's byte counter is advanced before the callback runs.
//
// Cancellation is observed between chunk writes. On return the counter
// matches the bytes actually flushed to the file.
func (c *Client) Fetch(ctx context.Context, t *task.Task, onProgress func(int64)) error {
	offset := c.validateOffset(t)

	req, err := c.buildRequest(ctx, t, offset)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classifyNetworkError("GET", t.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if offset == 0 {
			// 206 without a Range request is malformed
			return NewStatusError("GET", t.URL, resp.StatusCode,
				errors.New("unexpected partial content response"))
		}
		if resp.ContentLength >= 0 {
			t.SetTotalSize(resp.ContentLength + offset)
		}
	case http.StatusOK:
		if offset > 0 {
			// Server ignored the range header; start over from zero.
			logger.Debugf("Server for %s does not support ranges, restarting from zero", t.URL)
			offset = 0
			t.SetDownloaded(0)
		}
		if resp.ContentLength >= 0 {
			t.SetTotalSize(resp.ContentLength)
		}
	default:
		return NewStatusError("GET", t.URL, resp.StatusCode,
			fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}

	file, err := c.openDestination(t, offset)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := c.copyChunks(ctx, t, resp.Body, file, onProgress); err != nil {
		return err
	}

	if total := t.GetTotalSize(); total > 0 && t.GetDownloaded() < total {
		return NewTruncatedError(t.URL, t.GetDownloaded(), total)
	}
	if t.GetTotalSize() == 0 {
		// Size was unknown; the exhausted body defines it.
		t.SetTotalSize(t.GetDownloaded())
	}

	return nil
}

// validateOffset reconciles the task's recorded offset with the real file.
// The disk is authoritative: a missing or shorter file lowers the offset.
func (c *Client) validateOffset(t *task.Task) int64 {
	offset := t.GetDownloaded()
	if offset == 0 {
		return 0
	}

	info, err := os.Stat(t.Destination)
	switch {
	case err != nil:
		offset = 0
	case info.Size() < offset:
		offset = info.Size()
	}

	if offset != t.GetDownloaded() {
		logger.Warnf("Partial file %s shorter than recorded, resuming from %d", t.Destination, offset)
		t.SetDownloaded(offset)
	}

	return offset
}

func (c *Client) buildRequest(ctx context.Context, t *task.Task, offset int64) (*http.Request, error) {
	parsed, err := url.Parse(t.URL)
	if err != nil {
		return nil, NewValidationError(t.URL, err)
	}
	if scheme := strings.ToLower(parsed.Scheme); scheme != "http" && scheme != "https" {
		return nil, NewValidationError(t.URL, fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, NewValidationError(t.URL, err)
	}

	for k, v := range c.config.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	return req, nil
}

func (c *Client) openDestination(t *task.Task, offset int64) (*os.File, error) {
	if dir := filepath.Dir(t.Destination); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, NewStorageError("mkdir", t.URL, err)
		}
	}

	file, err := os.OpenFile(t.Destination, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, NewStorageError("open", t.URL, err)
	}

	// Writes start exactly at the resume offset; anything past it on
	// disk is stale (the file may have grown outside our control
	// between runs).
	if err := file.Truncate(offset); err != nil {
		file.Close()
		return nil, NewStorageError("truncate", t.URL, err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, NewStorageError("seek", t.URL, err)
	}

	return file, nil
}

// copyChunks streams the body into the file in bounded chunks, advancing
// the task counter only after each write returns. A byte is never counted
// before it reached the file.
func (c *Client) copyChunks(ctx context.Context, t *task.Task, body io.Reader, file *os.File, onProgress func(int64)) error {
	buf := make([]byte, c.config.ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			file.Sync()
			return err
		}

		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return NewStorageError("write", t.URL, werr)
			}
			t.AddDownloaded(int64(n))
			if onProgress != nil {
				onProgress(int64(n))
			}
		}

		switch {
		case rerr == nil:
			continue
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return nil
		case errors.Is(rerr, context.Canceled), errors.Is(rerr, context.DeadlineExceeded):
			file.Sync()
			return ctx.Err()
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				file.Sync()
				return ctxErr
			}
			return classifyNetworkError("read", t.URL, rerr)
		}
	}
}

// classifyNetworkError maps low-level request failures onto a Kind.
func classifyNetworkError(op, urlStr string, err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Operation: op, URL: urlStr, Err: err}
	}

	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &recordErr) {
		return &Error{Kind: KindTLS, Operation: op, URL: urlStr, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(strings.ToLower(urlErr.Error()), "tls") {
		return &Error{Kind: KindTLS, Operation: op, URL: urlStr, Err: err}
	}

	return &Error{Kind: KindConnection, Operation: op, URL: urlStr, Err: err}
}

// Cleanup releases idle connections held by the underlying transport.
func (c *Client) Cleanup() {
	c.transport.CloseIdleConnections()
}
