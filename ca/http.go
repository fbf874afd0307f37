package ca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jmcleod/ironra/raerr"
)

// DefaultTimeout bounds every CA call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// HTTPClient talks to a remote CA over its REST API with basic auth.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

var _ Connector = (*HTTPClient)(nil)

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) { h.client.Timeout = d }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient returns a client for the CA at baseURL, e.g.
// https://ca.example.com/api/v1.
func NewHTTPClient(baseURL, username, password string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "ca-http")
	return h
}

func (h *HTTPClient) do(ctx context.Context, method, path string, body any) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(h.username, h.password)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode/100 == 2 {
			return resp.StatusCode, nil, fmt.Errorf("decoding CA response: %w", err)
		}
	}
	return resp.StatusCode, out, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func (h *HTTPClient) Submit(ctx context.Context, sr SubmitRequest) (Issued, error) {
	const op = "ca.Submit"
	h.logger.Info("submitting certificate request to CA", "request_id", sr.RequestID)

	status, body, err := h.do(ctx, http.MethodPost, "/certificates/issue", sr)
	if err != nil {
		h.logger.Error("CA submission failed", "request_id", sr.RequestID, "error", err)
		return Issued{}, raerr.New(op, raerr.KindExternalService, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		h.logger.Error("CA returned error status", "request_id", sr.RequestID, "status", status)
		return Issued{}, raerr.Newf(op, raerr.KindExternalService, "CA returned status %d", status)
	}
	issued := Issued{
		SerialNumber:   stringField(body, "certificateSerialNumber"),
		CertificatePEM: stringField(body, "certificatePem"),
	}
	if issued.SerialNumber == "" {
		h.logger.Warn("CA response missing certificate data", "request_id", sr.RequestID)
		return Issued{}, raerr.Newf(op, raerr.KindExternalService, "CA response missing certificateSerialNumber")
	}
	h.logger.Info("certificate issued by CA", "request_id", sr.RequestID, "serial", issued.SerialNumber)
	return issued, nil
}

func (h *HTTPClient) Retrieve(ctx context.Context, requestID string) (string, error) {
	const op = "ca.Retrieve"
	status, body, err := h.do(ctx, http.MethodGet, "/certificates/"+url.PathEscape(requestID), nil)
	if err != nil {
		return "", raerr.New(op, raerr.KindExternalService, err)
	}
	if status == http.StatusNotFound {
		return "", raerr.New(op, raerr.KindNotFound, ErrNotFound)
	}
	if status != http.StatusOK {
		return "", raerr.Newf(op, raerr.KindExternalService, "CA returned status %d", status)
	}
	pemData := stringField(body, "certificatePem")
	if pemData == "" {
		return "", raerr.New(op, raerr.KindNotFound, ErrNotFound)
	}
	return pemData, nil
}

func (h *HTTPClient) Revoke(ctx context.Context, serial, reason, revokedBy string) (bool, error) {
	const op = "ca.Revoke"
	h.logger.Info("revoking certificate at CA", "serial", serial, "reason", reason)
	status, _, err := h.do(ctx, http.MethodPost, "/certificates/"+url.PathEscape(serial)+"/revoke",
		map[string]string{"reason": reason, "revokedBy": revokedBy})
	if err != nil {
		h.logger.Error("CA revocation failed", "serial", serial, "error", err)
		return false, raerr.New(op, raerr.KindExternalService, err)
	}
	if status != http.StatusOK {
		h.logger.Error("CA returned error status for revocation", "serial", serial, "status", status)
		return false, nil
	}
	return true, nil
}

func (h *HTTPClient) Status(ctx context.Context, serial string) (string, error) {
	const op = "ca.Status"
	status, body, err := h.do(ctx, http.MethodGet, "/certificates/"+url.PathEscape(serial)+"/status", nil)
	if err != nil {
		return "", raerr.New(op, raerr.KindExternalService, err)
	}
	if status == http.StatusNotFound {
		return "", raerr.New(op, raerr.KindNotFound, ErrNotFound)
	}
	if status != http.StatusOK {
		return "", raerr.Newf(op, raerr.KindExternalService, "CA returned status %d", status)
	}
	s := stringField(body, "status")
	if s == "" {
		return "", raerr.Newf(op, raerr.KindExternalService, "CA response missing status")
	}
	return s, nil
}
