package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stackkit-dev/stackkit/kit/retry"
)

// Registry reports whether a package is published publicly.
type Registry interface {
	Exists(ctx context.Context, name string) (bool, error)
}

var errTransientStatus = errors.New("transient registry status")

// HTTPRegistry probes an npm-compatible registry with HEAD requests.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
}

func NewHTTPRegistry(baseURL string, timeout time.Duration) *HTTPRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		policy: retry.Policy{
			Attempts:    3,
			Delay:       200 * time.Millisecond,
			Exponential: true,
			Retryable:   func(err error) bool { return errors.Is(err, errTransientStatus) },
		},
	}
}

// Exists returns true on 2xx, false on 404. Other statuses and network
// failures are errors.
func (r *HTTPRegistry) Exists(ctx context.Context, name string) (bool, error) {
	target := r.baseURL + "/" + url.PathEscape(name)
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return false, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return false, fmt.Errorf("probe %s: %w", name, err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return true, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return false, fmt.Errorf("probe %s: %w: %d", name, errTransientStatus, resp.StatusCode)
		}
		return false, fmt.Errorf("probe %s: unexpected status %d", name, resp.StatusCode)
	})
}
