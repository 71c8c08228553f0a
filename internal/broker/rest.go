package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPError is a non-2xx broker response below 500. The adapter owns the
// mapping to a normalized result, because only it can read the body.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("broker http %d: %s", e.Status, string(e.Body))
}

// RESTClient is the JSON transport shared by the HTTP-based adapters. It
// encodes the gateway's failure classification once: transport failures on
// read calls wrap ErrTransient, on mutating calls ErrAmbiguous (the request
// may have reached the broker); 401/403 wrap ErrAuthRequired either way.
type RESTClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewRESTClient builds a client for baseURL with the given request timeout.
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Get performs a read-only GET.
func (c *RESTClient) Get(ctx context.Context, path string, header http.Header, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, header, nil, out, false)
}

// PostRead performs a read-only POST (snapshot endpoints that take a body).
func (c *RESTClient) PostRead(ctx context.Context, path string, header http.Header, body, out any) error {
	return c.DoJSON(ctx, http.MethodPost, path, header, body, out, false)
}

// PostMutate performs an order-mutating POST.
func (c *RESTClient) PostMutate(ctx context.Context, path string, header http.Header, body, out any) error {
	return c.DoJSON(ctx, http.MethodPost, path, header, body, out, true)
}

// PutMutate performs an order-mutating PUT.
func (c *RESTClient) PutMutate(ctx context.Context, path string, header http.Header, body, out any) error {
	return c.DoJSON(ctx, http.MethodPut, path, header, body, out, true)
}

// DeleteMutate performs an order-mutating DELETE.
func (c *RESTClient) DeleteMutate(ctx context.Context, path string, header http.Header, out any) error {
	return c.DoJSON(ctx, http.MethodDelete, path, header, nil, out, true)
}

// DoJSON sends one JSON request and decodes the JSON response into out.
// It never retries; read-side retry policy lives in RetryRead.
func (c *RESTClient) DoJSON(ctx context.Context, method, path string, header http.Header, body, out any, mutating bool) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrValidation, err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrValidation, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return c.transportErr(method, path, err, mutating)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportErr(method, path, err, mutating)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: http %d: %w", method, path, resp.StatusCode, ErrAuthRequired)
	case resp.StatusCode >= 500:
		if mutating {
			return fmt.Errorf("%s %s: http %d: %w", method, path, resp.StatusCode, ErrAmbiguous)
		}
		return fmt.Errorf("%s %s: http %d: %w", method, path, resp.StatusCode, ErrTransient)
	case resp.StatusCode >= 400:
		return &HTTPError{Status: resp.StatusCode, Body: raw}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			// A 2xx with an undecodable body: for a mutation the order may
			// well have been placed, so the outcome is unknown.
			if mutating {
				return fmt.Errorf("%s %s: decode response: %v: %w", method, path, err, ErrAmbiguous)
			}
			return fmt.Errorf("%s %s: decode response: %v: %w", method, path, err, ErrTransient)
		}
	}
	return nil
}

func (c *RESTClient) transportErr(method, path string, err error, mutating bool) error {
	if mutating {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, ErrAmbiguous)
	}
	return fmt.Errorf("%s %s: %v: %w", method, path, err, ErrTransient)
}
