package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBody = 64 << 10

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// do performs a single provider request and classifies the outcome. It never
// retries.
func do(ctx context.Context, client *http.Client, provider string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: request aborted: %w", provider, ctxErr)
		}
		return nil, Transient(provider, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, Transient(provider, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTP(provider, resp.StatusCode, body)
	}
	return body, nil
}
