// Package httprequest provides the built-in HTTP request node executor.
package httprequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/weftlab/weft/pkg/protocol"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 10 << 20 // 10 MiB
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "http_request"
}

func (*Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute URL to call.",
			},
			"method": map[string]any{
				"type":    "string",
				"default": "GET",
				"enum":    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers.",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Raw request body.",
			},
		},
		"required": []string{"url"},
	}
}

func (*Factory) Create(config map[string]any, logger *slog.Logger) (protocol.NodeExecutor, error) {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("http_request requires a url")
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	body, _ := config["body"].(string)

	headers := make(map[string]string)

	if headersConfig, ok := config["headers"].(map[string]any); ok {
		for key, value := range headersConfig {
			if strValue, ok := value.(string); ok {
				headers[key] = strValue
			}
		}
	}

	return &Executor{
		url:     url,
		method:  strings.ToUpper(method),
		headers: headers,
		body:    body,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}, nil
}

// Executor performs one HTTP call per dispatch and returns status, headers
// and parsed body as node output.
type Executor struct {
	url     string
	method  string
	headers map[string]string
	body    string
	client  *http.Client
	logger  *slog.Logger
}

func (e *Executor) Execute(ctx context.Context, req protocol.ExecuteRequest) (map[string]any, error) {
	var bodyReader io.Reader
	if e.body != "" {
		bodyReader = strings.NewReader(e.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, e.method, e.url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for key, value := range e.headers {
		httpReq.Header.Set(key, value)
	}

	e.logger.InfoContext(ctx, "dispatching HTTP request",
		"execution_id", req.ExecutionID, "node_id", req.NodeID,
		"method", e.method, "url", e.url)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.WarnContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
	}

	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		output["body"] = parsed
	} else {
		output["body"] = string(raw)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return output, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return output, nil
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key := range header {
		flat[key] = header.Get(key)
	}

	return flat
}
