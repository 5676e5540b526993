package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/holon-run/harness/pkg/protocol"
	"github.com/holon-run/harness/pkg/timeline"
)

var (
	threadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("cyan")).
			Bold(true)

	reasoningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Italic(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow"))

	approvalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("magenta")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("green"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)
)

// renderer prints the timeline as notifications arrive.
type renderer struct {
	out io.Writer
	// streaming is the assistant item whose deltas are being printed.
	streaming string
}

func (r *renderer) endStream() {
	if r.streaming != "" {
		fmt.Fprintln(r.out)
		r.streaming = ""
	}
}

func (r *renderer) thread(th protocol.Thread) {
	fmt.Fprintln(r.out, threadStyle.Render(fmt.Sprintf("thread %s", th.ThreadID))+" "+th.Title)
}

// notification renders p. view has already been updated with it.
func (r *renderer) notification(p protocol.Payload, view *timeline.State) {
	switch v := p.(type) {
	case *protocol.TurnStarted:
		r.endStream()
		fmt.Fprintf(r.out, "turn %s started\n", v.TurnID)
	case *protocol.ItemStarted:
		if data, ok := v.Item.Data.(protocol.ToolExecData); ok {
			r.endStream()
			fmt.Fprintln(r.out, toolStyle.Render("▸ "+data.Tool))
		}
	case *protocol.ItemDelta:
		if v.Type != protocol.ItemAssistantMessage || v.Delta == "" {
			return
		}
		if r.streaming != v.ItemID {
			r.endStream()
			r.streaming = v.ItemID
		}
		if v.Reasoning {
			fmt.Fprint(r.out, reasoningStyle.Render(v.Delta))
			return
		}
		fmt.Fprint(r.out, v.Delta)
	case *protocol.ItemCompleted:
		r.completed(v)
	case *protocol.ApprovalRequested:
		r.endStream()
		fmt.Fprintln(r.out, approvalStyle.Render(fmt.Sprintf("? %s %s", v.Permission, strings.Join(v.Patterns, " "))))
	case *protocol.TurnCompletedParams:
		r.endStream()
		fmt.Fprintln(r.out, okStyle.Render("turn "+string(v.Status)))
	case *protocol.TurnError:
		r.endStream()
		fmt.Fprintln(r.out, errorStyle.Render(fmt.Sprintf("turn %s: %s", v.Status, v.Error)))
	case *protocol.HarnessCrash:
		r.endStream()
		fmt.Fprintln(r.out, errorStyle.Render(view.Banner))
	}
}

func (r *renderer) completed(c *protocol.ItemCompleted) {
	switch data := c.Data.(type) {
	case protocol.AssistantMessageData:
		if r.streaming == c.ItemID {
			r.endStream()
		}
	case protocol.ToolExecData:
		r.endStream()
		if data.Status == protocol.ToolCompleted {
			fmt.Fprintln(r.out, okStyle.Render("✓ "+data.Tool)+" "+firstLine(data.Output))
		} else {
			fmt.Fprintln(r.out, errorStyle.Render("✗ "+data.Tool)+" "+firstLine(data.Error))
		}
	case protocol.ApprovalData:
		r.endStream()
		fmt.Fprintf(r.out, "approval %s: %s\n", data.RequestID, data.Reply)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
