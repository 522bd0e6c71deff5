package tools

import (
	"context"

	"github.com/robunhq/robun/internal/bus"
)

// MessageTool sends a message to a chat through the outbound bus, without
// waiting for the agent turn to finish.
type MessageTool struct {
	msgBus *bus.MessageBus
}

func NewMessageTool(msgBus *bus.MessageBus) *MessageTool {
	return &MessageTool{msgBus: msgBus}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the current chat (or another chat) immediately, before the turn completes."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "Message text to send",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Target channel (defaults to the current channel)",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Target chat id (defaults to the current chat)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	content, _ := args["content"].(string)
	if content == "" {
		return "Error: content is required", nil
	}

	cc := CallContextFrom(ctx)
	channel := cc.Channel
	if ch, _ := args["channel"].(string); ch != "" {
		channel = ch
	}
	chatID := cc.ChatID
	if id, _ := args["chat_id"].(string); id != "" {
		chatID = id
	}
	if channel == "" || chatID == "" {
		return "Error: no target chat; provide channel and chat_id", nil
	}

	t.msgBus.PublishOutbound(bus.OutboundEvent{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
	return "Message sent.", nil
}
