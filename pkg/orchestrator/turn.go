package orchestrator

import (
	"strings"
	"sync"

	"github.com/holon-run/harness/pkg/bus"
	harnesslog "github.com/holon-run/harness/pkg/log"
	"github.com/holon-run/harness/pkg/protocol"
)

const danglingToolError = "turn ended before tool completed"

type openItem struct {
	itemID string
	data   protocol.ItemData
	text   strings.Builder
}

// turnRun tracks the items of one running turn and translates bus events
// into item notifications. Events for an item never precede its start and
// nothing is emitted after the turn closes.
type turnRun struct {
	o         *Orchestrator
	input     StartInput
	turnID    string
	threadID  string
	directory string

	mu        sync.Mutex
	closed    bool
	order     []*openItem
	parts     map[string]*openItem
	tools     map[string]*openItem
	approvals map[string]*openItem
}

func newTurnRun(o *Orchestrator, in StartInput, turnID string) *turnRun {
	return &turnRun{
		o:         o,
		input:     in,
		turnID:    turnID,
		threadID:  in.ThreadID,
		directory: in.Directory,
		parts:     make(map[string]*openItem),
		tools:     make(map[string]*openItem),
		approvals: make(map[string]*openItem),
	}
}

func (t *turnRun) emit(method string, p protocol.Payload) {
	t.o.pub.Emit(t.directory, t.threadID, method, p)
}

func (t *turnRun) item(itemID string, data protocol.ItemData) protocol.Item {
	return protocol.Item{
		ItemID:   itemID,
		ThreadID: t.threadID,
		TurnID:   t.turnID,
		Type:     data.ItemType(),
		Data:     data,
	}
}

// start records and announces a new item. Callers hold t.mu.
func (t *turnRun) start(data protocol.ItemData) *openItem {
	it := &openItem{itemID: t.o.newID("item"), data: data}
	item := t.item(it.itemID, data)
	if err := t.o.registry.AddItem(item); err != nil {
		harnesslog.Debug("failed to record item", "turn", t.turnID, "item", it.itemID, "error", err)
	}
	t.emit(protocol.NotificationItemStarted, &protocol.ItemStarted{Item: item})
	t.order = append(t.order, it)
	return it
}

// complete emits the final state of an item. Callers hold t.mu.
func (t *turnRun) complete(it *openItem, data protocol.ItemData) {
	it.data = data
	if err := t.o.registry.UpdateItem(t.turnID, it.itemID, data); err != nil {
		harnesslog.Debug("failed to update item", "turn", t.turnID, "item", it.itemID, "error", err)
	}
	t.emit(protocol.NotificationItemCompleted, &protocol.ItemCompleted{
		ItemID:   it.itemID,
		ThreadID: t.threadID,
		TurnID:   t.turnID,
		Type:     data.ItemType(),
		Data:     data,
	})
	for i, o := range t.order {
		if o == it {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *turnRun) emitUserMessage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := protocol.UserMessageData{Parts: t.input.Parts}
	it := t.start(data)
	t.complete(it, data)
}

func (t *turnRun) handle(e bus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	switch ev := e.(type) {
	case bus.PartUpdated:
		switch ev.Part.Kind {
		case bus.PartText, bus.PartReasoning:
			t.onText(ev)
		case bus.PartTool:
			t.onTool(ev.Part)
		}
	case bus.PermissionAsked:
		t.onAsked(ev)
	case bus.PermissionReplied:
		t.onReplied(ev)
	}
}

func (t *turnRun) onText(ev bus.PartUpdated) {
	if ev.Part.Synthetic || ev.Delta == "" {
		return
	}
	reasoning := ev.Part.Kind == bus.PartReasoning
	it, ok := t.parts[ev.Part.ID]
	if !ok {
		it = t.start(protocol.AssistantMessageData{PartID: ev.Part.ID, Reasoning: reasoning})
		t.parts[ev.Part.ID] = it
	}
	it.text.WriteString(ev.Delta)
	t.emit(protocol.NotificationItemDelta, &protocol.ItemDelta{
		ItemID:    it.itemID,
		ThreadID:  t.threadID,
		TurnID:    t.turnID,
		Type:      protocol.ItemAssistantMessage,
		Delta:     ev.Delta,
		Reasoning: reasoning,
	})
}

func toolData(p bus.Part) protocol.ToolExecData {
	d := protocol.ToolExecData{CallID: p.CallID, Tool: p.Tool}
	if p.State != nil {
		d.Status = string(p.State.Status)
		d.Input = p.State.Input
		d.Output = p.State.Output
		d.Title = p.State.Title
		d.Error = p.State.Error
	}
	return d
}

func (t *turnRun) onTool(p bus.Part) {
	if p.CallID == "" || p.State == nil {
		return
	}
	data := toolData(p)
	it, ok := t.tools[p.CallID]
	if !ok {
		it = t.start(data)
		t.tools[p.CallID] = it
	}

	switch p.State.Status {
	case bus.ToolPending:
		it.data = data
	case bus.ToolRunning:
		it.data = data
		t.emit(protocol.NotificationItemDelta, &protocol.ItemDelta{
			ItemID:   it.itemID,
			ThreadID: t.threadID,
			TurnID:   t.turnID,
			Type:     protocol.ItemToolLog,
			Data:     protocol.ToolLogData{CallID: p.CallID, Tool: p.Tool, Input: p.State.Input},
		})
	case bus.ToolCompleted, bus.ToolError:
		t.complete(it, data)
		delete(t.tools, p.CallID)
	}
}

func (t *turnRun) onAsked(ev bus.PermissionAsked) {
	if _, ok := t.approvals[ev.ID]; ok {
		return
	}
	it := t.start(protocol.ApprovalData{
		RequestID:  ev.ID,
		Permission: ev.Permission,
		Patterns:   ev.Patterns,
		Metadata:   ev.Metadata,
	})
	t.approvals[ev.ID] = it

	var tool *protocol.ToolRef
	if ev.Tool != nil {
		tool = &protocol.ToolRef{MessageID: ev.Tool.MessageID, CallID: ev.Tool.CallID}
	}
	patterns := ev.Patterns
	if patterns == nil {
		patterns = []string{}
	}
	t.emit(protocol.NotificationApprovalRequested, &protocol.ApprovalRequested{
		RequestID:  ev.ID,
		ThreadID:   t.threadID,
		TurnID:     t.turnID,
		ItemID:     it.itemID,
		Permission: ev.Permission,
		Patterns:   patterns,
		Metadata:   ev.Metadata,
		Tool:       tool,
	})
}

func (t *turnRun) onReplied(ev bus.PermissionReplied) {
	it, ok := t.approvals[ev.RequestID]
	if !ok {
		return
	}
	data, _ := it.data.(protocol.ApprovalData)
	data.Reply = protocol.Decision(ev.Reply)
	t.complete(it, data)
	delete(t.approvals, ev.RequestID)
}

// close completes every item still open and stops further emission.
func (t *turnRun) close(status protocol.TurnStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for len(t.order) > 0 {
		it := t.order[0]
		switch d := it.data.(type) {
		case protocol.AssistantMessageData:
			d.Text = it.text.String()
			t.complete(it, d)
		case protocol.ToolExecData:
			d.Status = protocol.ToolError
			d.Error = danglingToolError
			t.complete(it, d)
		default:
			t.complete(it, it.data)
		}
	}
	t.parts = map[string]*openItem{}
	t.tools = map[string]*openItem{}
	t.approvals = map[string]*openItem{}
	t.closed = true
	harnesslog.Debug("turn items closed", "turn", t.turnID, "status", string(status))
}
