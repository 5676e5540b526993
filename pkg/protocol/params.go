package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Validator is implemented by every params type.
type Validator interface {
	Validate() error
}

// DecodeParams decodes raw into dst and validates it. Absent or null params
// decode as an empty object. Every failure is an InvalidParams error.
func DecodeParams(raw json.RawMessage, dst Validator) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && string(trimmed) != "null" {
		if trimmed[0] != '{' {
			return NewError(ErrCodeInvalidParams, "invalid params: params must be an object")
		}
		if err := json.Unmarshal(trimmed, dst); err != nil {
			return NewErrorf(ErrCodeInvalidParams, "invalid params: %s", err)
		}
	}
	return dst.Validate()
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return InvalidParamField(field, field+" is required")
	}
	return nil
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo,omitempty"`
}

func (p *InitializeParams) Validate() error {
	if p.ClientInfo != nil {
		return required("clientInfo.name", p.ClientInfo.Name)
	}
	return nil
}

type Capabilities struct {
	Threads     bool `json:"threads"`
	Turns       bool `json:"turns"`
	Approvals   bool `json:"approvals"`
	Streaming   bool `json:"streaming"`
	Persistence bool `json:"persistence"`
}

type InitializeResult struct {
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
}

type ThreadCreateParams struct {
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

func (p *ThreadCreateParams) Validate() error { return nil }

type ThreadCreateResult struct {
	Thread Thread `json:"thread"`
}

type ThreadListParams struct{}

func (p *ThreadListParams) Validate() error { return nil }

type ThreadListResult struct {
	Threads []Thread `json:"threads"`
}

type ThreadGetParams struct {
	ThreadID string `json:"threadId"`
}

func (p *ThreadGetParams) Validate() error {
	return required("threadId", p.ThreadID)
}

type ThreadGetResult struct {
	Thread Thread  `json:"thread"`
	Events []Event `json:"events"`
}

type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []InputPart `json:"input"`
	Model    *ModelRef   `json:"model,omitempty"`
	Agent    string      `json:"agent,omitempty"`
}

func (p *TurnStartParams) Validate() error {
	if err := required("threadId", p.ThreadID); err != nil {
		return err
	}
	if len(p.Input) == 0 {
		return InvalidParamField("input", "input is required")
	}
	for idx, part := range p.Input {
		if err := part.validate(fmt.Sprintf("input[%d]", idx)); err != nil {
			return err
		}
	}
	if p.Model != nil {
		if err := required("model.providerID", p.Model.ProviderID); err != nil {
			return err
		}
		if err := required("model.modelID", p.Model.ModelID); err != nil {
			return err
		}
	}
	return nil
}

type TurnStartResult struct {
	TurnID string `json:"turnId"`
}

type TurnCancelParams struct {
	ThreadID string `json:"threadId"`
}

func (p *TurnCancelParams) Validate() error {
	return required("threadId", p.ThreadID)
}

type ApprovalRespondParams struct {
	RequestID string   `json:"requestId"`
	Decision  Decision `json:"decision"`
}

func (p *ApprovalRespondParams) Validate() error {
	if err := required("requestId", p.RequestID); err != nil {
		return err
	}
	if !p.Decision.Valid() {
		return InvalidParamField("decision", fmt.Sprintf("decision must be one of once, always, reject (got %q)", p.Decision))
	}
	return nil
}

// OKResult is returned by methods that only acknowledge.
type OKResult struct {
	OK bool `json:"ok"`
}
