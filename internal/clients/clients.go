package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

// maxErrorBody bounds how much of a failed response is kept for logs.
const maxErrorBody = 512

// HTTP is the JSON/multipart transport shared by every backend client.
type HTTP struct {
	c *http.Client
}

func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTP{c: &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}}
}

// StatusError is a non-2xx response. Body is truncated and meant for logs.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// retryableStatus reports whether a response status may succeed on retry.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func (h *HTTP) postJSON(ctx context.Context, op, url string, headers map[string]string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "%s: encode request", op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "%s: create request", op)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.do(op, req, out)
}

func (h *HTTP) putJSON(ctx context.Context, op, url string, in interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "%s: encode request", op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "%s: create request", op)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(op, req, nil)
}

// postFile uploads path as the "file" form field together with fields.
func (h *HTTP) postFile(ctx context.Context, op, url, path string, fields map[string]string, out interface{}) error {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return errors.Wrapf(err, "%s: create form", op)
	}
	fd, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "%s: open audio", op)
	}
	defer fd.Close()
	if _, err = io.Copy(fw, fd); err != nil {
		return errors.Wrapf(err, "%s: read audio", op)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return errors.Wrapf(err, "%s: write field %s", op, k)
		}
	}
	if err = w.Close(); err != nil {
		return errors.Wrapf(err, "%s: close form", op)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &b)
	if err != nil {
		return errors.Wrapf(err, "%s: create request", op)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return h.do(op, req, out)
}

// do sends req and decodes a 2xx JSON body into out. Timeouts, network
// failures, 408, 429 and 5xx are marked transient.
func (h *HTTP) do(op string, req *http.Request, out interface{}) error {
	resp, err := h.c.Do(req)
	if err != nil {
		if errors.Is(req.Context().Err(), context.Canceled) {
			return errors.Wrapf(err, "%s", op)
		}
		return models.Transient(errors.Wrapf(err, "%s: request failed", op))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if retryableStatus(resp.StatusCode) {
			return models.Transient(serr)
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

func jsonString(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode form field")
	}
	return string(b), nil
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
