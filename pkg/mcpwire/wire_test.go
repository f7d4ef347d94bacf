package mcpwire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantErr  int
		wantMeth string
	}{
		{name: "valid request", raw: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, wantMeth: "tools/list"},
		{name: "string id", raw: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, wantMeth: "ping"},
		{name: "notification", raw: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, wantMeth: "notifications/initialized"},
		{name: "malformed json", raw: `{"jsonrpc":`, wantErr: CodeParseError},
		{name: "wrong version", raw: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantErr: CodeInvalidRequest},
		{name: "missing method", raw: `{"jsonrpc":"2.0","id":1}`, wantErr: CodeInvalidRequest},
		{name: "blank method", raw: `{"jsonrpc":"2.0","id":1,"method":"  "}`, wantErr: CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rpcErr := DecodeRequest([]byte(tt.raw))
			if tt.wantErr != 0 {
				if rpcErr == nil {
					t.Fatalf("expected error code %d, got none", tt.wantErr)
				}
				if rpcErr.Code != tt.wantErr {
					t.Errorf("error code = %d, want %d", rpcErr.Code, tt.wantErr)
				}
				return
			}
			if rpcErr != nil {
				t.Fatalf("unexpected error: %v", rpcErr)
			}
			if req.Method != tt.wantMeth {
				t.Errorf("method = %q, want %q", req.Method, tt.wantMeth)
			}
		})
	}
}

func TestIsNotification(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{name: "numeric id", raw: `{"jsonrpc":"2.0","id":7,"method":"ping"}`, want: false},
		{name: "zero id", raw: `{"jsonrpc":"2.0","id":0,"method":"ping"}`, want: false},
		{name: "no id", raw: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, want: true},
		{name: "null id", raw: `{"jsonrpc":"2.0","id":null,"method":"ping"}`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rpcErr := DecodeRequest([]byte(tt.raw))
			if rpcErr != nil {
				t.Fatalf("decode: %v", rpcErr)
			}
			if got := req.IsNotification(); got != tt.want {
				t.Errorf("IsNotification() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResponseIDEcho(t *testing.T) {
	resp := NewResult(json.RawMessage(`"req-42"`), map[string]string{"ok": "yes"})
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"id":"req-42"`) {
		t.Errorf("response does not echo string id: %s", out)
	}

	resp = NewError(nil, CodeParseError, "parse error")
	out, err = json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"id":null`) {
		t.Errorf("missing id should serialize as null: %s", out)
	}
	if !strings.Contains(string(out), `"code":-32700`) {
		t.Errorf("error code missing: %s", out)
	}
}

func TestContentParts(t *testing.T) {
	part := ResourcePart("gateway://results/echo", "application/json", `{"a":1}`)
	out, err := json.Marshal(part)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ContentPart
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != "resource" || back.Resource == nil || back.Resource.URI != "gateway://results/echo" {
		t.Errorf("round trip mismatch: %+v", back)
	}

	text := TextPart("hello")
	if text.Type != "text" || text.Text != "hello" {
		t.Errorf("TextPart mismatch: %+v", text)
	}
}
