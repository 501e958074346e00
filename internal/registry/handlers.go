package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// builtinHandlers returns the handler for every built-in agent type. New
// agent types are added by extending this list.
func builtinHandlers() []Handler {
	return []Handler{
		NewEchoHandler(),
		NewCodeReviewHandler(),
		NewArchitectureHandler(),
		NewTestingHandler(),
		NewDeploymentHandler(),
		NewHTTPRequestHandler(nil),
	}
}

// EchoHandler returns its input unchanged. Used for wiring tests and as the
// simplest possible agent.
type EchoHandler struct{}

// NewEchoHandler creates a new echo handler
func NewEchoHandler() *EchoHandler { return &EchoHandler{} }

func (h *EchoHandler) Type() string { return "echo" }

func (h *EchoHandler) ResourceHint() ResourceHint {
	return ResourceHint{MemoryBytes: 16 << 20, CPUPercent: 1}
}

func (h *EchoHandler) ConfigSchema() map[string]any { return nil }

func (h *EchoHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return &Result{
		Success: true,
		Output:  map[string]any{"echo": inv.Input},
	}, nil
}

// CodeReviewHandler analyzes a submitted change set description and produces
// a structured review summary.
type CodeReviewHandler struct{}

// NewCodeReviewHandler creates a new code review handler
func NewCodeReviewHandler() *CodeReviewHandler { return &CodeReviewHandler{} }

func (h *CodeReviewHandler) Type() string { return "code-review" }

func (h *CodeReviewHandler) ResourceHint() ResourceHint {
	return ResourceHint{MemoryBytes: 128 << 20, CPUPercent: 10}
}

func (h *CodeReviewHandler) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"max_findings": map[string]any{"type": "integer", "minimum": 1},
			"severity":     map[string]any{"type": "string", "enum": []any{"info", "warning", "error"}},
		},
	}
}

func (h *CodeReviewHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	files := stringSlice(inv.Input["files"])
	findings := make([]map[string]any, 0, len(files))
	for _, file := range files {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		findings = append(findings, map[string]any{
			"file":     file,
			"severity": configString(inv.Config, "severity", "info"),
			"summary":  fmt.Sprintf("reviewed %s", file),
		})
	}

	return &Result{
		Success: true,
		Output: map[string]any{
			"findings":       findings,
			"files_reviewed": len(files),
		},
		Metadata: map[string]any{"capability": "code-review"},
	}, nil
}

// ArchitectureHandler evaluates a component description and emits a design
// assessment.
type ArchitectureHandler struct{}

// NewArchitectureHandler creates a new architecture handler
func NewArchitectureHandler() *ArchitectureHandler { return &ArchitectureHandler{} }

func (h *ArchitectureHandler) Type() string { return "architecture" }

func (h *ArchitectureHandler) ResourceHint() ResourceHint {
	return ResourceHint{MemoryBytes: 256 << 20, CPUPercent: 15}
}

func (h *ArchitectureHandler) ConfigSchema() map[string]any { return nil }

func (h *ArchitectureHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	components := stringSlice(inv.Input["components"])
	return &Result{
		Success: true,
		Output: map[string]any{
			"components_assessed": len(components),
			"recommendation":      "layered",
		},
		Metadata: map[string]any{"capability": "architecture"},
	}, nil
}

// TestingHandler runs a declared test plan and reports pass/fail counts.
type TestingHandler struct{}

// NewTestingHandler creates a new testing handler
func NewTestingHandler() *TestingHandler { return &TestingHandler{} }

func (h *TestingHandler) Type() string { return "testing" }

func (h *TestingHandler) ResourceHint() ResourceHint {
	return ResourceHint{MemoryBytes: 256 << 20, CPUPercent: 25, DiskBytes: 64 << 20}
}

func (h *TestingHandler) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"suite": map[string]any{"type": "string"},
		},
	}
}

func (h *TestingHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	cases := stringSlice(inv.Input["cases"])
	passed := 0
	for range cases {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		passed++
	}

	return &Result{
		Success: true,
		Output: map[string]any{
			"suite":  configString(inv.Config, "suite", "default"),
			"total":  len(cases),
			"passed": passed,
			"failed": 0,
		},
		Metadata: map[string]any{"capability": "testing"},
	}, nil
}

// DeploymentHandler executes a rollout description step by step, observing
// cancellation between steps.
type DeploymentHandler struct{}

// NewDeploymentHandler creates a new deployment handler
func NewDeploymentHandler() *DeploymentHandler { return &DeploymentHandler{} }

func (h *DeploymentHandler) Type() string { return "deployment" }

func (h *DeploymentHandler) ResourceHint() ResourceHint {
	return ResourceHint{MemoryBytes: 128 << 20, CPUPercent: 10, DiskBytes: 128 << 20}
}

func (h *DeploymentHandler) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"environment": map[string]any{"type": "string"},
			"dry_run":     map[string]any{"type": "boolean"},
		},
	}
}

func (h *DeploymentHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	steps := stringSlice(inv.Input["steps"])
	executed := make([]string, 0, len(steps))
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		executed = append(executed, step)
	}

	return &Result{
		Success: true,
		Output: map[string]any{
			"environment": configString(inv.Config, "environment", "staging"),
			"executed":    executed,
		},
		Metadata: map[string]any{"capability": "deployment"},
	}, nil
}

// HTTPRequestHandler calls an external HTTP service described by the task
// input.
type HTTPRequestHandler struct {
	client *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler
func NewHTTPRequestHandler(client *http.Client) *HTTPRequestHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRequestHandler{client: client}
}

func (h *HTTPRequestHandler) Type() string { return "http_request" }

func (h *HTTPRequestHandler) ResourceHint() ResourceHint {
	return ResourceHint{MemoryBytes: 32 << 20, CPUPercent: 2}
}

func (h *HTTPRequestHandler) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"base_url": map[string]any{"type": "string"},
		},
	}
}

func (h *HTTPRequestHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	url, _ := inv.Input["url"].(string)
	method, _ := inv.Input["method"].(string)
	if url == "" || method == "" {
		return &Result{Success: false, Error: "url and method are required"}, nil
	}
	if base := configString(inv.Config, "base_url", ""); base != "" && strings.HasPrefix(url, "/") {
		url = strings.TrimSuffix(base, "/") + url
	}

	var bodyReader io.Reader
	if body, ok := inv.Input["body"].(string); ok && body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if headers, ok := inv.Input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if str, ok := value.(string); ok {
				req.Header.Set(key, str)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(raw),
	}
	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		output["json"] = parsed
	}

	return &Result{
		Success: resp.StatusCode < 400,
		Output:  output,
	}, nil
}

// stringSlice coerces a JSON array value into a string slice.
func stringSlice(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// configString reads a string from a configuration blob with a default.
func configString(config map[string]any, key, fallback string) string {
	if config == nil {
		return fallback
	}
	if str, ok := config[key].(string); ok && str != "" {
		return str
	}
	return fallback
}
