package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Thread is a conversation bound to a working directory.
type Thread struct {
	ThreadID  string     `json:"threadId"`
	Title     string     `json:"title"`
	Directory string     `json:"directory"`
	Time      ThreadTime `json:"time"`
}

// ThreadTime holds unix millisecond timestamps.
type ThreadTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnRunning   TurnStatus = "running"
	TurnCompleted TurnStatus = "completed"
	TurnCancelled TurnStatus = "cancelled"
	TurnFailed    TurnStatus = "error"
)

// Terminal reports whether the status ends a turn.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnCancelled || s == TurnFailed
}

// ModelRef names a provider and model.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

func (m ModelRef) String() string {
	return m.ProviderID + "/" + m.ModelID
}

// IsZero reports whether the reference is unset.
func (m ModelRef) IsZero() bool {
	return m.ProviderID == "" && m.ModelID == ""
}

// Input part types.
const (
	InputText = "text"
	InputFile = "file"
)

// InputPart is one element of turn input: either text or a file reference.
type InputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime,omitempty"`
}

func (p InputPart) validate(field string) *Error {
	switch strings.TrimSpace(p.Type) {
	case InputText:
		if strings.TrimSpace(p.Text) == "" {
			return InvalidParamField(field+".text", "text is required")
		}
	case InputFile:
		if strings.TrimSpace(p.URL) == "" {
			return InvalidParamField(field+".url", "url is required")
		}
		if strings.TrimSpace(p.Mime) == "" {
			return InvalidParamField(field+".mime", "mime is required")
		}
	case "":
		return InvalidParamField(field+".type", "type is required")
	default:
		return InvalidParamField(field+".type", fmt.Sprintf("unsupported input type %q", p.Type))
	}
	return nil
}

// ItemType discriminates item payloads.
type ItemType string

const (
	ItemUserMessage      ItemType = "user_message"
	ItemAssistantMessage ItemType = "assistant_message"
	ItemToolExec         ItemType = "tool_exec"
	ItemToolLog          ItemType = "tool_log"
	ItemApproval         ItemType = "approval"
	ItemArtifact         ItemType = "artifact"
)

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	switch t {
	case ItemUserMessage, ItemAssistantMessage, ItemToolExec, ItemToolLog, ItemApproval, ItemArtifact:
		return true
	}
	return false
}

// ItemData is the closed set of typed item payloads.
type ItemData interface {
	ItemType() ItemType
}

type UserMessageData struct {
	Parts []InputPart `json:"parts"`
}

type AssistantMessageData struct {
	PartID    string `json:"partId"`
	Reasoning bool   `json:"reasoning,omitempty"`
	// Text is the final accumulated content, present on completion only.
	Text string `json:"text,omitempty"`
}

// Tool execution statuses.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

type ToolExecData struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Status string          `json:"status,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Title  string          `json:"title,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type ToolLogData struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type ApprovalData struct {
	RequestID  string         `json:"requestId"`
	Permission string         `json:"permission,omitempty"`
	Patterns   []string       `json:"patterns,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Reply      Decision       `json:"reply,omitempty"`
}

type ArtifactData struct {
	Path        string `json:"path"`
	Mime        string `json:"mime,omitempty"`
	Description string `json:"description,omitempty"`
}

func (UserMessageData) ItemType() ItemType      { return ItemUserMessage }
func (AssistantMessageData) ItemType() ItemType { return ItemAssistantMessage }
func (ToolExecData) ItemType() ItemType         { return ItemToolExec }
func (ToolLogData) ItemType() ItemType          { return ItemToolLog }
func (ApprovalData) ItemType() ItemType         { return ItemApproval }
func (ArtifactData) ItemType() ItemType         { return ItemArtifact }

// DecodeItemData decodes raw into the record for t. Absent data decodes to
// nil; an unknown type is an error.
func DecodeItemData(t ItemType, raw json.RawMessage) (ItemData, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown item type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		data ItemData
		err  error
	)
	switch t {
	case ItemUserMessage:
		data, err = decodeAs[UserMessageData](raw)
	case ItemAssistantMessage:
		data, err = decodeAs[AssistantMessageData](raw)
	case ItemToolExec:
		data, err = decodeAs[ToolExecData](raw)
	case ItemToolLog:
		data, err = decodeAs[ToolLogData](raw)
	case ItemApproval:
		data, err = decodeAs[ApprovalData](raw)
	case ItemArtifact:
		data, err = decodeAs[ArtifactData](raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s data: %w", t, err)
	}
	return data, nil
}

func decodeAs[T ItemData](raw json.RawMessage) (ItemData, error) {
	var d T
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Item is the smallest addressable unit of a turn's output.
type Item struct {
	ItemID   string   `json:"itemId"`
	ThreadID string   `json:"threadId"`
	TurnID   string   `json:"turnId"`
	Type     ItemType `json:"type"`
	Data     ItemData `json:"data,omitempty"`
}

func (i *Item) UnmarshalJSON(b []byte) error {
	type alias Item
	aux := struct {
		*alias
		Data json.RawMessage `json:"data,omitempty"`
	}{alias: (*alias)(i)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	data, err := DecodeItemData(i.Type, aux.Data)
	if err != nil {
		return err
	}
	i.Data = data
	return nil
}

// Decision is a client's answer to an approval request.
type Decision string

const (
	DecisionOnce   Decision = "once"
	DecisionAlways Decision = "always"
	DecisionReject Decision = "reject"
)

// Valid reports whether d is one of the accepted decisions.
func (d Decision) Valid() bool {
	return d == DecisionOnce || d == DecisionAlways || d == DecisionReject
}

// Allows reports whether the decision grants the permission.
func (d Decision) Allows() bool {
	return d == DecisionOnce || d == DecisionAlways
}
