package mcpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/goleak"

	"github.com/datacline/mcp-gateway/internal/adapter/outbound/credential"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
)

type fakeSession struct {
	listTools func(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	callTool  func(context.Context, *mcp.CallToolParams) (*mcp.CallToolResult, error)
	closed    bool
}

func (f *fakeSession) ListTools(ctx context.Context, p *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return f.listTools(ctx, p)
}

func (f *fakeSession) CallTool(ctx context.Context, p *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return f.callTool(ctx, p)
}

func (f *fakeSession) ListResources(context.Context, *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (f *fakeSession) ReadResource(context.Context, *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeSession) ListPrompts(context.Context, *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{}, nil
}

func (f *fakeSession) GetPrompt(context.Context, *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func withFakeSession(t *testing.T, session *fakeSession, connectErr error) {
	t.Helper()
	prev := connect
	connect = func(context.Context, *mcp.Client, mcp.Transport) (clientSession, error) {
		if connectErr != nil {
			return nil, connectErr
		}
		return session, nil
	}
	t.Cleanup(func() { connect = prev })
}

func testDescriptor() *upstream.Descriptor {
	return &upstream.Descriptor{
		Name:      "weather",
		URL:       "http://localhost:9001/mcp",
		Transport: upstream.TransportStreamableHTTP,
		Enabled:   true,
	}
}

func newClient() *Client {
	return New(Config{ClientVersion: "test"}, credential.NewResolver(nil))
}

func TestCallToolSessionLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	session := &fakeSession{
		callTool: func(_ context.Context, p *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			if p.Name != "forecast" {
				t.Errorf("tool = %q, want forecast", p.Name)
			}
			args, _ := p.Arguments.(map[string]any)
			if args["city"] != "oslo" {
				t.Errorf("arguments = %v", p.Arguments)
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "sunny"}}}, nil
		},
	}
	withFakeSession(t, session, nil)

	result, err := newClient().CallTool(context.Background(), testDescriptor(), "forecast", map[string]any{"city": "oslo"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "sunny" {
		t.Errorf("result = %+v", result)
	}
	if !session.closed {
		t.Error("session must be closed after the operation")
	}
}

func TestCallToolNilArgsBecomeEmptyObject(t *testing.T) {
	session := &fakeSession{
		callTool: func(_ context.Context, p *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			args, ok := p.Arguments.(map[string]any)
			if !ok || args == nil {
				t.Errorf("arguments = %#v, want empty map", p.Arguments)
			}
			return &mcp.CallToolResult{}, nil
		},
	}
	withFakeSession(t, session, nil)
	if _, err := newClient().CallTool(context.Background(), testDescriptor(), "echo", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
}

func TestListToolsCarriesSchemaThrough(t *testing.T) {
	session := &fakeSession{
		listTools: func(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []*mcp.Tool{
				{Name: "echo", Description: "echo back"},
			}}, nil
		},
	}
	withFakeSession(t, session, nil)

	tools, err := newClient().ListTools(context.Background(), testDescriptor())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind upstream.ErrorKind
	}{
		{name: "deadline is timeout", err: context.DeadlineExceeded, wantKind: upstream.KindTimeout},
		{name: "abort is client_cancelled", err: context.Canceled, wantKind: upstream.KindCancelled},
		{name: "connection refused is transport_broken", err: syscall.ECONNREFUSED, wantKind: upstream.KindTransportBroken},
		{name: "eof is transport_broken", err: io.ErrUnexpectedEOF, wantKind: upstream.KindTransportBroken},
		{name: "other errors are upstream_error", err: errors.New("jsonrpc: tool exploded"), wantKind: upstream.KindUpstreamError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFakeSession(t, nil, tt.err)
			_, err := newClient().ListTools(context.Background(), testDescriptor())
			pe, ok := upstream.AsProxyError(err)
			if !ok {
				t.Fatalf("error %v is not a ProxyError", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", pe.Kind, tt.wantKind)
			}
			if pe.Server != "weather" {
				t.Errorf("server = %q", pe.Server)
			}
		})
	}
}

func TestUnresolvedCredentialShortCircuits(t *testing.T) {
	withFakeSession(t, nil, errors.New("connect should never happen"))

	desc := testDescriptor()
	desc.Auth = &upstream.AuthSpec{Method: upstream.AuthBearer, CredentialRef: "env://DEFINITELY_NOT_SET_VAR"}

	_, err := newClient().ListTools(context.Background(), desc)
	pe, ok := upstream.AsProxyError(err)
	if !ok || pe.Kind != upstream.KindCredentialUnresolved {
		t.Fatalf("error = %v, want credential_unresolved", err)
	}
}

func TestApplyAuthHeader(t *testing.T) {
	t.Setenv("UPSTREAM_TOKEN", "abc123")
	spec := &upstream.AuthSpec{
		Method:        upstream.AuthBearer,
		Location:      upstream.LocationHeader,
		Name:          "Authorization",
		Format:        upstream.FormatPrefix,
		Prefix:        "Bearer ",
		CredentialRef: "env://UPSTREAM_TOKEN",
	}
	cred, err := credential.NewResolver(nil).Resolve(spec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	t.Cleanup(srv.Close)

	endpoint, rt, err := applyAuth(srv.URL, spec, cred, nil)
	if err != nil {
		t.Fatalf("applyAuth: %v", err)
	}
	client := &http.Client{Transport: rt, Timeout: 5 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got != "Bearer abc123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer abc123")
	}
}

func TestApplyAuthQuery(t *testing.T) {
	spec := &upstream.AuthSpec{
		Method:          upstream.AuthAPIKey,
		Location:        upstream.LocationQuery,
		Name:            "api_key",
		CredentialValue: "k-1",
	}
	endpoint, _, err := applyAuth("http://host/mcp?v=1", spec, "k-1", nil)
	if err != nil {
		t.Fatalf("applyAuth: %v", err)
	}
	if !strings.Contains(endpoint, "api_key=k-1") || !strings.Contains(endpoint, "v=1") {
		t.Errorf("endpoint = %q", endpoint)
	}
}

func TestApplyAuthBodyInjection(t *testing.T) {
	spec := &upstream.AuthSpec{
		Method:          upstream.AuthCustom,
		Location:        upstream.LocationBody,
		Name:            "token",
		CredentialValue: "tok-1",
	}

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
	}))
	t.Cleanup(srv.Close)

	endpoint, rt, err := applyAuth(srv.URL, spec, "tok-1", nil)
	if err != nil {
		t.Fatalf("applyAuth: %v", err)
	}
	client := &http.Client{Transport: rt}

	// POST JSON bodies get the credential merged in.
	resp, err := client.Post(endpoint, "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if !strings.Contains(body, `"token":"tok-1"`) || !strings.Contains(body, `"method":"ping"`) {
		t.Errorf("body = %s", body)
	}

	// GET-shaped requests pass through untouched.
	resp, err = client.Get(endpoint)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
}
