package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"
)

type mockRT struct {
	roundTrip func(req *http.Request) (*http.Response, error)
}

func (m *mockRT) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.roundTrip(req)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

type sliceRecorder struct {
	mu      sync.Mutex
	records []domain.APICallRecord
}

func (r *sliceRecorder) Record(rec domain.APICallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *sliceRecorder) all() []domain.APICallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.APICallRecord(nil), r.records...)
}

func newTestClient(rt func(req *http.Request) (*http.Response, error), rec Recorder, rawTTL time.Duration) *Client {
	transport := NewAllowlistRoundTripper(&mockRT{roundTrip: rt}, []string{"backend.test"})
	return newClient("https://backend.test/api_tools", "secret", 5*time.Second,
		&http.Client{Transport: transport}, rec, rawTTL, slog.Default())
}

func TestStoreDocumentSendsEncodedPayload(t *testing.T) {
	rec := &sliceRecorder{}
	var got inputDataRequest
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/api_tools/input_data", req.URL.Path)
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		return response(http.StatusOK, `{"status":"ok"}`), nil
	}, rec, 0)

	name, err := client.StoreDocument(context.Background(), []byte("%PDF-1.4"), "application/pdf")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(name, "hr_policies_"))
	assert.Equal(t, name, got.CreatedObjectName)
	assert.Equal(t, "files", got.DataType)
	require.Len(t, got.InputData, 1)
	assert.Equal(t, "data:application/pdf;base64,JVBERi0xLjQ=", got.InputData[0])

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, "/input_data", records[0].Endpoint)
	assert.Equal(t, http.MethodPost, records[0].Method)
	assert.Equal(t, http.StatusOK, records[0].StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(records[0].Response))
	assert.Empty(t, records[0].Error)
}

func TestStoreDocumentRejectsWrongTypeWithoutCall(t *testing.T) {
	rec := &sliceRecorder{}
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected, got %s", req.URL)
		return nil, nil
	}, rec, 0)

	for _, mimeType := range []string{"text/plain", "image/png", "", "application/pdfx"} {
		_, err := client.StoreDocument(context.Background(), []byte("data"), mimeType)
		require.Error(t, err, mimeType)
		assert.True(t, IsValidation(err), mimeType)
	}
	assert.Empty(t, rec.all())
}

func TestObjectNamesDoNotCollide(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := NewObjectName(now)
		require.False(t, seen[name], "duplicate object name %s", name)
		seen[name] = true
	}
}

func TestStoreDocumentNonSuccessIsRecordedTransportError(t *testing.T) {
	rec := &sliceRecorder{}
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return response(http.StatusInternalServerError, `{"detail":"boom"}`), nil
	}, rec, 0)

	_, err := client.StoreDocument(context.Background(), []byte("%PDF"), "application/pdf")
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	records := rec.all()
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].Error)
	assert.JSONEq(t, `{"detail":"boom"}`, string(records[0].Response))
}

func TestProvisionAgentPassesObjectName(t *testing.T) {
	rec := &sliceRecorder{}
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		var body createAgentRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "HR Policy Assistant", body.AgentName)
		assert.Equal(t, []string{"hr_policies_1"}, body.ObjectNames)
		return response(http.StatusOK, `{"agent_id":"agent-42"}`), nil
	}, rec, 0)

	id, err := client.ProvisionAgent(context.Background(), AgentSpec{
		Instructions: "be helpful",
		Name:         "HR Policy Assistant",
		ObjectName:   "hr_policies_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-42", id)
	assert.Len(t, rec.all(), 1)
}

func TestProvisionAgentMissingIDIsOneFailedRecord(t *testing.T) {
	rec := &sliceRecorder{}
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return response(http.StatusOK, `{"status":"created"}`), nil
	}, rec, 0)

	_, err := client.ProvisionAgent(context.Background(), AgentSpec{Name: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	records := rec.all()
	require.Len(t, records, 1)
	assert.True(t, records[0].Failed())
}

func TestSendQuery(t *testing.T) {
	rec := &sliceRecorder{}
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "agent-1", body.AgentID)
		assert.Equal(t, "What is the meal allowance?", body.Message)
		return response(http.StatusOK, `{"response":"$50 per day"}`), nil
	}, rec, 0)

	reply, err := client.SendQuery(context.Background(), "agent-1", "What is the meal allowance?")
	require.NoError(t, err)
	assert.Equal(t, "$50 per day", reply)
}

func TestSendQueryUnparsableBody(t *testing.T) {
	rec := &sliceRecorder{}
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return response(http.StatusOK, `<html>gateway</html>`), nil
	}, rec, 0)

	_, err := client.SendQuery(context.Background(), "agent-1", "hi")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	records := rec.all()
	require.Len(t, records, 1)
	assert.JSONEq(t, `"<html>gateway</html>"`, string(records[0].Response))
}

func TestDeleteResourceToleratesNotFound(t *testing.T) {
	rec := &sliceRecorder{}
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodDelete, req.Method)
		assert.Equal(t, "/api_tools/objects/hr_policies_1", req.URL.Path)
		return response(http.StatusNotFound, `{"detail":"not found"}`), nil
	}, rec, 0)

	require.NoError(t, client.DeleteResource(context.Background(), "hr_policies_1"))
	records := rec.all()
	require.Len(t, records, 1)
	assert.JSONEq(t, `{}`, string(records[0].Request))
	assert.False(t, records[0].Failed())
}

func TestDeleteResourceMalformedResponse(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return response(http.StatusOK, `not json`), nil
	}, &sliceRecorder{}, 0)

	err := client.DeleteResource(context.Background(), "hr_policies_1")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestFetchRawDataIsCached(t *testing.T) {
	rec := &sliceRecorder{}
	calls := 0
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		calls++
		assert.Equal(t, http.MethodGet, req.Method)
		assert.Equal(t, "/api_tools/return_data/hr_policies_1", req.URL.Path)
		return response(http.StatusOK, `{"data":["chunk"]}`), nil
	}, rec, time.Minute)

	for i := 0; i < 2; i++ {
		raw, err := client.FetchRawData(context.Background(), "hr_policies_1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":["chunk"]}`, string(raw))
	}
	assert.Equal(t, 1, calls)
	assert.Len(t, rec.all(), 1)
}

func TestTransportFailureIsRecorded(t *testing.T) {
	rec := &sliceRecorder{}
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	}, rec, 0)

	_, err := client.SendQuery(context.Background(), "agent-1", "hi")
	require.Error(t, err)
	assert.True(t, IsTransport(err))

	records := rec.all()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "connection reset")
	assert.Nil(t, records[0].Response)
}

func TestAllowlistRoundTripper(t *testing.T) {
	called := false
	rt := NewAllowlistRoundTripper(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			called = true
			return response(http.StatusOK, "{}"), nil
		},
	}, []string{"backend.test"})

	req, _ := http.NewRequest(http.MethodGet, "https://backend.test/api_tools/chat", nil)
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.True(t, called)

	for _, raw := range []string{
		"https://example.com/chat",
		"http://backend.test/chat",
		"https://127.0.0.1/chat",
	} {
		blocked, _ := http.NewRequest(http.MethodGet, raw, nil)
		_, err := rt.RoundTrip(blocked)
		assert.ErrorIs(t, err, ErrEgressBlocked, raw)
	}
}

func TestAllowlistRoundTripperAllowsListedIP(t *testing.T) {
	rt := NewAllowlistRoundTripper(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			return response(http.StatusOK, "{}"), nil
		},
	}, []string{"10.0.0.5", "[::1]"})

	for _, raw := range []string{
		"https://10.0.0.5/api_tools/chat",
		"https://10.0.0.5:8443/api_tools/chat",
		"https://[::1]/api_tools/chat",
	} {
		req, _ := http.NewRequest(http.MethodGet, raw, nil)
		_, err := rt.RoundTrip(req)
		assert.NoError(t, err, raw)
	}

	for _, raw := range []string{
		"https://10.0.0.6/api_tools/chat",
		"http://10.0.0.5/api_tools/chat",
	} {
		req, _ := http.NewRequest(http.MethodGet, raw, nil)
		_, err := rt.RoundTrip(req)
		assert.ErrorIs(t, err, ErrEgressBlocked, raw)
	}
}

func TestNewClientAllowsIPBaseURL(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "https://10.0.0.5/api_tools"}, nil, nil)
	require.NoError(t, err)

	transport, ok := client.client.Transport.(*AllowlistRoundTripper)
	require.True(t, ok)
	assert.True(t, transport.Allowlist["10.0.0.5"])
}

func TestEncodeAcceptsEmptyPDF(t *testing.T) {
	encoded, err := Encode(Document{Name: "blank.pdf", MIMEType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, "data:application/pdf;base64,", encoded.DataURL)
	assert.Zero(t, encoded.Size)

	_, err = Encode(Document{Name: "notes.txt", MIMEType: "text/plain", Content: []byte("x")})
	assert.True(t, IsValidation(err))
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil, nil)
	require.Error(t, err)
}

func TestRateLimitedCallIsRecordedAsFailure(t *testing.T) {
	rec := &sliceRecorder{}
	calls := 0
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		calls++
		return response(http.StatusOK, `{"status":"ok"}`), nil
	}, rec, 0)
	client.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	require.NoError(t, client.DeleteResource(context.Background(), "hr_policies_1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.DeleteResource(ctx, "hr_policies_1")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, calls)

	records := rec.all()
	require.Len(t, records, 2)
	assert.False(t, records[0].Failed())
	assert.True(t, records[1].Failed())
	assert.Zero(t, records[1].StatusCode)
}

func TestCallsAreTraced(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodGet {
			return response(http.StatusInternalServerError, `{"detail":"boom"}`), nil
		}
		return response(http.StatusOK, `{"status":"ok"}`), nil
	}, nil, 0)
	client.tracer = tp.Tracer("test")

	require.NoError(t, client.DeleteResource(context.Background(), "hr_policies_1"))
	_, err := client.FetchRawData(context.Background(), "hr_policies_1")
	require.Error(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "DELETE /objects/{id}", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.Int("http.response.status_code", http.StatusOK))

	assert.Equal(t, "GET /return_data/{id}", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Contains(t, ended[1].Attributes(), attribute.Int("http.response.status_code", http.StatusInternalServerError))
}
