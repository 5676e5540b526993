package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func decodeErrCode(t *testing.T, err error) int {
	t.Helper()
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error %v is not a protocol error", err)
	}
	return rpcErr.Code
}

func TestDecodeParams_AbsentParamsAreEmptyObject(t *testing.T) {
	for _, raw := range []string{"", "null", "  "} {
		var p ThreadCreateParams
		if err := DecodeParams(json.RawMessage(raw), &p); err != nil {
			t.Errorf("DecodeParams(%q) error = %v", raw, err)
		}
	}
}

func TestDecodeParams_RejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[]`, `"x"`, `42`, `{"title":1}`} {
		var p ThreadCreateParams
		err := DecodeParams(json.RawMessage(raw), &p)
		if err == nil {
			t.Fatalf("DecodeParams(%s) expected error", raw)
		}
		if code := decodeErrCode(t, err); code != ErrCodeInvalidParams {
			t.Errorf("DecodeParams(%s) code = %d, want %d", raw, code, ErrCodeInvalidParams)
		}
	}
}

func TestTurnStartParams_Validate(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantField string
	}{
		{"missing thread", `{"input":[{"type":"text","text":"hi"}]}`, "threadId"},
		{"missing input", `{"threadId":"ses_1"}`, "input"},
		{"empty input", `{"threadId":"ses_1","input":[]}`, "input"},
		{"empty text", `{"threadId":"ses_1","input":[{"type":"text","text":"  "}]}`, "input[0].text"},
		{"unknown part", `{"threadId":"ses_1","input":[{"type":"text","text":"a"},{"type":"image"}]}`, "input[1].type"},
		{"file without url", `{"threadId":"ses_1","input":[{"type":"file","mime":"text/plain"}]}`, "input[0].url"},
		{"partial model", `{"threadId":"ses_1","input":[{"type":"text","text":"a"}],"model":{"providerID":"p"}}`, "model.modelID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p TurnStartParams
			err := DecodeParams(json.RawMessage(tt.raw), &p)
			if err == nil {
				t.Fatal("DecodeParams() expected error")
			}
			rpcErr := AsError(err)
			if rpcErr.Code != ErrCodeInvalidParams {
				t.Fatalf("code = %d, want %d", rpcErr.Code, ErrCodeInvalidParams)
			}
			var data map[string]string
			if err := json.Unmarshal(rpcErr.Data, &data); err != nil {
				t.Fatalf("Unmarshal(data) error = %v", err)
			}
			if data["field"] != tt.wantField {
				t.Errorf("field = %q, want %q", data["field"], tt.wantField)
			}
		})
	}
}

func TestTurnStartParams_Valid(t *testing.T) {
	raw := `{"threadId":"ses_1","input":[{"type":"text","text":"hello"},{"type":"file","url":"file:///a.go","filename":"a.go","mime":"text/x-go"}],"model":{"providerID":"anthropic","modelID":"claude"},"agent":"plan"}`
	var p TurnStartParams
	if err := DecodeParams(json.RawMessage(raw), &p); err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	if len(p.Input) != 2 || p.Input[1].Filename != "a.go" {
		t.Errorf("Input = %+v", p.Input)
	}
	if p.Model == nil || p.Model.String() != "anthropic/claude" {
		t.Errorf("Model = %+v", p.Model)
	}
}

func TestApprovalRespondParams_Validate(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{`{"requestId":"per_1","decision":"once"}`, false},
		{`{"requestId":"per_1","decision":"always"}`, false},
		{`{"requestId":"per_1","decision":"reject"}`, false},
		{`{"requestId":"per_1","decision":"maybe"}`, true},
		{`{"requestId":"per_1"}`, true},
		{`{"decision":"once"}`, true},
	}
	for _, tt := range tests {
		var p ApprovalRespondParams
		err := DecodeParams(json.RawMessage(tt.raw), &p)
		if (err != nil) != tt.wantErr {
			t.Errorf("DecodeParams(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
	}
}

func TestInitializeParams_Validate(t *testing.T) {
	var ok InitializeParams
	if err := DecodeParams(json.RawMessage(`{"clientInfo":{"name":"desktop","version":"1.0"}}`), &ok); err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	var bad InitializeParams
	if err := DecodeParams(json.RawMessage(`{"clientInfo":{}}`), &bad); err == nil {
		t.Fatal("DecodeParams() expected error for nameless clientInfo")
	}
}
