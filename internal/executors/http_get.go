package executors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
)

// HTTPGetExecutor fetches a URL and returns the status and body. Body size
// is capped so a misbehaving endpoint cannot blow up the context data.
type HTTPGetExecutor struct {
	Client *http.Client
}

const maxBodyBytes = 1 << 20

func NewHTTPGetExecutor() *HTTPGetExecutor {
	return &HTTPGetExecutor{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPGetExecutor) ValidateConfig(config map[string]any) error {
	if url, _ := config["url"].(string); url == "" {
		return fmt.Errorf("http.get requires a url")
	}
	return nil
}

func (e *HTTPGetExecutor) Execute(ctx context.Context, ec *core.ExecutionContext) (*core.ExecutorResult, error) {
	url, _ := ec.Config["url"].(string)
	if url == "" {
		return &core.ExecutorResult{Success: false, Error: "http.get requires a url"}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		// Network errors are worth another attempt.
		return &core.ExecutorResult{Success: false, Error: err.Error(), ShouldRetry: true}, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &core.ExecutorResult{Success: false, Error: err.Error(), ShouldRetry: true}, nil
	}
	if resp.StatusCode >= 500 {
		return &core.ExecutorResult{
			Success:     false,
			Error:       fmt.Sprintf("upstream returned %d", resp.StatusCode),
			ShouldRetry: true,
		}, nil
	}
	return &core.ExecutorResult{
		Success: resp.StatusCode < 400,
		Data: map[string]any{
			"status": resp.StatusCode,
			"body":   string(body),
		},
	}, nil
}
