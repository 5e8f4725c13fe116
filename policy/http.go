package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTimeout = 5 * time.Second

// HTTPConfig holds the connection settings for a decision-service endpoint
// speaking the data-API convention: POST {"input": ...} returns
// {"result": {"allow": ..., "reason": ...}}.
type HTTPConfig struct {
	// URL is the full decision endpoint, including the rule path.
	URL string
	// Token, when set, is sent as a bearer credential.
	Token string
	// Timeout bounds every evaluation call. Zero means 5s.
	Timeout time.Duration
}

// HTTPClient implements [Client] against a remote decision service.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewHTTPClient returns a decision-service client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tracer:     otel.Tracer("github.com/authrelay/authrelay/policy"),
	}
}

func (c *HTTPClient) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	ctx, span := c.tracer.Start(ctx, "policy.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("policy.resource", input.Resource),
		attribute.String("policy.action", input.Action),
	)

	payload, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, c.spanErr(span, fmt.Errorf("%w: encode input: %v", ErrUnavailable, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, c.spanErr(span, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.spanErr(span, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.spanErr(span, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
	}

	var body struct {
		Result *Decision `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, c.spanErr(span, fmt.Errorf("%w: decode result: %v", ErrUnavailable, err))
	}
	if body.Result == nil {
		// An undefined rule is a deny with a reason, not an outage.
		return &Decision{Allow: false, Reason: "no matching policy"}, nil
	}

	span.SetAttributes(attribute.Bool("policy.allow", body.Result.Allow))
	return body.Result, nil
}

func (c *HTTPClient) spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
