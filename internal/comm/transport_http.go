package comm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTransport sends calls as PUT /{gid}/{service}/{method} with the JSON
// argument array as the body.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Call(ctx context.Context, target Target, body []byte) ([]byte, error) {
	endpoint := url.URL{
		Scheme: "http",
		Host:   target.Node.Addr(),
		Path:   "/" + target.Scope() + "/" + target.Service + "/" + target.Method,
		RawPath: "/" + url.PathEscape(target.Scope()) +
			"/" + url.PathEscape(target.Service) +
			"/" + url.PathEscape(target.Method),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
