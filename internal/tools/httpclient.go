package tools

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
)

const (
	defaultCallTimeout  = 30 * time.Second
	maxToolResponseSize = 1 << 20 // 1 MiB
)

// HTTPClient invokes externally executed tools. Failures are captured in
// the ToolResponse rather than returned as errors, so one broken tool
// never aborts dispatch of the rest.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient creates a tool HTTP client.
func NewHTTPClient(httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultCallTimeout}
	}
	return &HTTPClient{httpClient: httpClient}
}

// Call invokes the tool's execution URL with the serialized arguments as
// the request body.
func (c *HTTPClient) Call(ctx context.Context, tool *domain.Tool, argsJSON string) domain.ToolResponse {
	method := tool.ExecutionMethod
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, tool.ExecutionURL, strings.NewReader(argsJSON))
	if err != nil {
		return domain.ToolResponse{Tool: tool.Name, Reason: "invalid tool request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if tool.ExecutionAuthKey != "" {
		req.Header.Set("Authorization", "Bearer "+tool.ExecutionAuthKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ToolResponse{Tool: tool.Name, Reason: "tool call failed: " + err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseSize))
	if err != nil {
		return domain.ToolResponse{Tool: tool.Name, Status: resp.StatusCode, Reason: "failed to read tool response: " + err.Error()}
	}

	out := domain.ToolResponse{Tool: tool.Name, Status: resp.StatusCode, Body: string(body)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Reason = resp.Status
	}
	return out
}
