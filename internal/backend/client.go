// Package backend is the client for the remote document and agent API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	endpointInputData   = "/input_data"
	endpointCreateAgent = "/create-agent"
	endpointChat        = "/chat"
	endpointObjects     = "/objects/"
	endpointReturnData  = "/return_data/"

	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 8 << 20

	tracerName = "github.com/ashureev/policy-assistant/internal/backend"
)

// Recorder receives one record per attempted remote call.
type Recorder interface {
	Record(rec domain.APICallRecord)
}

// Config holds backend client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// AllowedHosts restricts egress. Empty means the BaseURL host only.
	AllowedHosts []string
	// Insecure disables the HTTPS allowlist, for local development backends.
	Insecure bool
	// RawDataTTL caches fetched raw payloads. Zero disables caching.
	RawDataTTL time.Duration
	// RateLimit caps outgoing calls per second. Zero means unlimited.
	RateLimit float64
	RateBurst int
}

// AgentSpec describes the agent to provision.
type AgentSpec struct {
	Instructions string
	Name         string
	// ObjectName is the stored document the agent should be bound to.
	ObjectName string
}

// Client issues the remote operations and reports each one to a Recorder.
// It holds no session state.
type Client struct {
	baseURL  string
	token    string
	timeout  time.Duration
	client   *http.Client
	recorder Recorder
	raw      *cache.Cache
	limiter  *rate.Limiter
	tracer   trace.Tracer
	now      func() time.Time
	logger   *slog.Logger
}

// NewClient creates a backend client.
func NewClient(cfg Config, recorder Recorder, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var transport http.RoundTripper = http.DefaultTransport
	if !cfg.Insecure {
		hosts := cfg.AllowedHosts
		if len(hosts) == 0 {
			hosts = []string{base.Hostname()}
		}
		transport = NewAllowlistRoundTripper(http.DefaultTransport, hosts)
	}

	c := newClient(base.String(), cfg.Token, timeout, &http.Client{Timeout: timeout, Transport: transport}, recorder, cfg.RawDataTTL, logger)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

func newClient(baseURL, token string, timeout time.Duration, httpClient *http.Client, recorder Recorder, rawTTL time.Duration, logger *slog.Logger) *Client {
	c := &Client{
		baseURL:  baseURL,
		token:    token,
		timeout:  timeout,
		client:   httpClient,
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		logger:   logger,
	}
	if rawTTL > 0 {
		c.raw = cache.New(rawTTL, 2*rawTTL)
	}
	return c
}

type inputDataRequest struct {
	CreatedObjectName string   `json:"created_object_name"`
	DataType          string   `json:"data_type"`
	InputData         []string `json:"input_data"`
}

type createAgentRequest struct {
	Instructions string   `json:"instructions"`
	AgentName    string   `json:"agent_name"`
	ObjectNames  []string `json:"object_names,omitempty"`
}

type createAgentResponse struct {
	AgentID string `json:"agent_id"`
}

type chatRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

type chatResponse struct {
	Response *string `json:"response"`
}

// StoreDocument encodes and uploads a document, returning the object name.
func (c *Client) StoreDocument(ctx context.Context, content []byte, mimeType string) (string, error) {
	enc, err := Encode(Document{MIMEType: mimeType, Content: content})
	if err != nil {
		return "", err
	}
	return c.StoreEncoded(ctx, enc)
}

// StoreEncoded uploads an already encoded document under a fresh object name.
func (c *Client) StoreEncoded(ctx context.Context, doc EncodedDocument) (string, error) {
	if doc.DataURL == "" {
		return "", &ValidationError{Field: "content", Reason: "document is not encoded"}
	}
	name := NewObjectName(c.now())
	req := inputDataRequest{
		CreatedObjectName: name,
		DataType:          "files",
		InputData:         []string{doc.DataURL},
	}
	if _, err := c.do(ctx, http.MethodPost, endpointInputData, req, false, nil); err != nil {
		return "", err
	}
	c.logger.Info("Document stored", "object_id", name, "size", doc.Size)
	return name, nil
}

// ProvisionAgent creates the conversational agent and returns its id.
func (c *Client) ProvisionAgent(ctx context.Context, spec AgentSpec) (string, error) {
	req := createAgentRequest{
		Instructions: spec.Instructions,
		AgentName:    spec.Name,
	}
	if spec.ObjectName != "" {
		req.ObjectNames = []string{spec.ObjectName}
	}
	var resp createAgentResponse
	_, err := c.do(ctx, http.MethodPost, endpointCreateAgent, req, false, func(data []byte) error {
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		if resp.AgentID == "" {
			return errors.New("agent_id missing")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("Agent provisioned", "agent_id", resp.AgentID, "object_id", spec.ObjectName)
	return resp.AgentID, nil
}

// SendQuery sends one chat turn and returns the agent's reply.
func (c *Client) SendQuery(ctx context.Context, agentID, text string) (string, error) {
	var resp chatResponse
	_, err := c.do(ctx, http.MethodPost, endpointChat, chatRequest{AgentID: agentID, Message: text}, false, func(data []byte) error {
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		if resp.Response == nil {
			return errors.New("response missing")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return *resp.Response, nil
}

// DeleteResource deletes a stored object. An object that is already gone
// counts as deleted.
func (c *Client) DeleteResource(ctx context.Context, objectID string) error {
	if objectID == "" {
		return &ValidationError{Field: "object_id", Reason: "empty"}
	}
	if c.raw != nil {
		c.raw.Delete(objectID)
	}
	_, err := c.do(ctx, http.MethodDelete, endpointObjects+url.PathEscape(objectID), nil, true, nil)
	return err
}

// FetchRawData returns the payload stored under objectID, for inspection only.
func (c *Client) FetchRawData(ctx context.Context, objectID string) (json.RawMessage, error) {
	if objectID == "" {
		return nil, &ValidationError{Field: "object_id", Reason: "empty"}
	}
	if c.raw != nil {
		if cached, ok := c.raw.Get(objectID); ok {
			return cached.(json.RawMessage), nil
		}
	}
	raw, err := c.do(ctx, http.MethodGet, endpointReturnData+url.PathEscape(objectID), nil, false, func(data []byte) error {
		if len(data) == 0 {
			return errors.New("empty body")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.raw != nil {
		c.raw.Set(objectID, raw, cache.DefaultExpiration)
	}
	return raw, nil
}

// do performs one call and records it exactly once. A nil body is sent as no
// body and recorded as an empty object. When allowNotFound is set a 404 is
// treated as success. decode runs on a 2xx body before the record is written,
// so a parse failure is part of the same record.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, allowNotFound bool, decode func([]byte) error) (_ json.RawMessage, err error) {
	started := c.now()
	rec := domain.APICallRecord{
		Timestamp: started.UTC(),
		Endpoint:  endpoint,
		Method:    method,
		Request:   json.RawMessage(`{}`),
	}
	ctx, span := c.tracer.Start(ctx, method+" "+spanName(endpoint),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", endpoint),
		))
	defer func() {
		rec.DurationMs = time.Since(started).Milliseconds()
		if rec.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", rec.StatusCode))
		}
		if err != nil {
			rec.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.recorder != nil {
			c.recorder.Record(rec)
		}
	}()

	if c.limiter != nil {
		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			return nil, &TransportError{Method: method, Endpoint: endpoint, Err: fmt.Errorf("rate limit: %w", waitErr)}
		}
	}

	var reader io.Reader
	if body != nil {
		payload, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, &TransportError{Method: method, Endpoint: endpoint, Err: fmt.Errorf("encode request: %w", marshalErr)}
		}
		rec.Request = payload
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrEgressBlocked) {
			err = ErrEgressBlocked
		}
		return nil, &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "endpoint", endpoint, "error", closeErr)
		}
	}()

	rec.StatusCode = resp.StatusCode
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return nil, &TransportError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", readErr)}
	}
	data = bytes.TrimSpace(data)
	validJSON := len(data) > 0 && json.Valid(data)
	switch {
	case validJSON:
		rec.Response = data
	case len(data) > 0:
		quoted, _ := json.Marshal(string(data))
		rec.Response = quoted
	}

	if allowNotFound && resp.StatusCode == http.StatusNotFound {
		c.logger.Debug("remote object already gone", "endpoint", endpoint)
		return data, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus}
	}
	if len(data) > 0 && !validJSON {
		return nil, &TransportError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: ErrMalformedResponse}
	}
	if decode != nil {
		if decodeErr := decode(data); decodeErr != nil {
			return nil, &TransportError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)}
		}
	}
	return data, nil
}

// spanName drops the object id so span names stay low-cardinality.
func spanName(endpoint string) string {
	for _, prefix := range []string{endpointObjects, endpointReturnData} {
		if strings.HasPrefix(endpoint, prefix) {
			return prefix + "{id}"
		}
	}
	return endpoint
}
