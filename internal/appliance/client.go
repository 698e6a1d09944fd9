// Package appliance implements the HTTP client for the OPNsense-style REST
// API the controller converges cluster state onto.
package appliance

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ApplianceError is returned for any non-2xx response.
type ApplianceError struct {
	Status int
	Path   string
	Body   string
}

func (e *ApplianceError) Error() string {
	return fmt.Sprintf("appliance request to %s failed with status %d: %s", e.Path, e.Status, e.Body)
}

// Client talks to the appliance's REST API using HTTP Basic auth with an API
// key/secret pair, over a retryablehttp transport so transient connection
// failures are retried below the business-logic layer.
type Client struct {
	baseURL  string
	key      string
	secret   string
	http     *retryablehttp.Client
	log      *zap.SugaredLogger
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Key     string
	Secret  string
	// InsecureSkipVerify disables TLS certificate verification, for
	// appliances serving a self-signed certificate. The zero value keeps
	// verification on; cmd/kpc-controller sets it from
	// OPNSENSE_INSECURE_SKIP_VERIFY, which defaults to true there.
	InsecureSkipVerify bool
	Log                *zap.SugaredLogger
}

// New builds a Client from opts.
func New(opts Options) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.CheckRetry = retryOnTransportErrorOnly
	retryClient.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		key:     opts.Key,
		secret:  opts.Secret,
		http:    retryClient,
		log:     opts.Log,
	}
}

// retryOnTransportErrorOnly retries connection-level failures (dial errors,
// resets, timeouts) but treats any response the appliance actually returns,
// including a 5xx, as terminal: retry/backoff over application responses is
// a caller decision, not the client's.
func retryOnTransportErrorOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

// Get issues a GET against path and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with body as its JSON payload and decodes the JSON
// response into out.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Delete issues a POST to a del_* style path with no body, consistent with
// the appliance's API convention of using POST for mutating verbs.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body for %s: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Content-Type", "application/json")

	c.log.Debugw("appliance request", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ApplianceError{Status: resp.StatusCode, Path: path, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}
