package bus

// InboundEvent represents a message received from a channel (Telegram, CLI, etc.)
// or injected by the subagent manager on the reserved "system" channel.
type InboundEvent struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"` // unix ms
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundEvent represents a message to be delivered to a channel.
type OutboundEvent struct {
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	ReplyToID string            `json:"reply_to_id,omitempty"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundHandler delivers one outbound event to a channel.
// Handler errors are logged by the dispatcher and never abort it.
type OutboundHandler func(OutboundEvent) error

// SystemChannel is reserved for subagent result injection. Its ChatID encodes
// the origin session key as "{originChannel}:{originChatId}".
const SystemChannel = "system"
