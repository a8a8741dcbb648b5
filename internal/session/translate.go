package session

import (
	"github.com/outpostlabs/outpost/internal/pi"
)

// TranslationContext carries the streaming-text accumulators through a
// single event translation. It is a value: the translator mutates its
// copy and the caller writes the result back into the ActiveSession.
// The translator must not retain references beyond the call.
type TranslationContext struct {
	StreamedAssistantText string
	HasStreamedThinking   bool
}

// TranslatePiEvent converts one backend event into zero or more client
// messages. It is pure apart from the returned context: all session
// mutation happens in the event processor afterwards.
func TranslatePiEvent(ev *pi.Event, tctx TranslationContext) ([]*ServerMessage, TranslationContext) {
	switch ev.Type {
	case pi.EventAgentStart:
		return []*ServerMessage{{
			Type: "agent_start",
			Data: map[string]any{"turnId": ev.TurnID},
		}}, tctx

	case pi.EventAgentEnd:
		return []*ServerMessage{{
			Type: "agent_end",
			Data: map[string]any{"turnId": ev.TurnID},
		}}, tctx

	case pi.EventTurnStart:
		return []*ServerMessage{{
			Type: "turn_start",
			Data: map[string]any{"turnId": ev.TurnID},
		}}, tctx

	case pi.EventTurnEnd:
		return []*ServerMessage{{
			Type: "turn_end",
			Data: map[string]any{"turnId": ev.TurnID},
		}}, tctx

	case pi.EventMessageStart:
		// A new message resets the streaming accumulators.
		tctx.StreamedAssistantText = ""
		tctx.HasStreamedThinking = false
		return []*ServerMessage{{
			Type: "message_start",
			Data: map[string]any{
				"messageId": ev.MessageID,
				"role":      ev.Role,
			},
		}}, tctx

	case pi.EventMessageDelta:
		if ev.Thinking {
			tctx.HasStreamedThinking = true
		} else if ev.Role == "assistant" {
			tctx.StreamedAssistantText += ev.Text
		}
		return []*ServerMessage{{
			Type: "message_delta",
			Data: map[string]any{
				"messageId": ev.MessageID,
				"role":      ev.Role,
				"text":      ev.Text,
				"thinking":  ev.Thinking,
			},
		}}, tctx

	case pi.EventMessageEnd:
		// The processor broadcasts a dedicated message_end with the
		// extracted text; no passthrough message here.
		return nil, tctx

	case pi.EventToolExecutionStart:
		return []*ServerMessage{{
			Type: "tool_execution_start",
			Data: map[string]any{
				"toolCallId": ev.ToolCallID,
				"toolName":   ev.ToolName,
				"args":       ev.Args,
			},
		}}, tctx

	case pi.EventToolExecutionEnd:
		return []*ServerMessage{{
			Type: "tool_execution_end",
			Data: map[string]any{
				"toolCallId": ev.ToolCallID,
				"toolName":   ev.ToolName,
				"result":     ev.Result,
				"isError":    ev.IsError,
			},
		}}, tctx

	case pi.EventAutoCompactStart, pi.EventAutoCompactEnd,
		pi.EventAutoRetryStart, pi.EventAutoRetryEnd:
		return []*ServerMessage{{
			Type: string(ev.Type),
			Data: map[string]any{"turnId": ev.TurnID},
		}}, tctx

	case pi.EventError:
		return []*ServerMessage{{
			Type: "error",
			Data: map[string]any{"message": ev.Text},
		}}, tctx

	case pi.EventExtensionUIRequest:
		// Handled by the processor: routing depends on the method and
		// on pendingUIRequests state.
		return nil, tctx

	default:
		return nil, tctx
	}
}
