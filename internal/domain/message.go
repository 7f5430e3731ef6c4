package domain

import "time"

// ScheduledMessageStatus enumerates the lifecycle of a one-off message.
type ScheduledMessageStatus string

const (
	MessagePending    ScheduledMessageStatus = "pending"
	MessageDispatched ScheduledMessageStatus = "dispatched"
	MessageFailed     ScheduledMessageStatus = "failed"
	MessageCancelled  ScheduledMessageStatus = "cancelled"
)

// ScheduledMessage is a one-off message dispatched when RunAt arrives.
// The pending -> dispatched transition is a compare-and-set so at most one
// process dispatches a given message. SentAt is stamped once the gateway
// accepts the message; a dispatched row without it belongs to a dispatcher
// that died mid-send.
type ScheduledMessage struct {
	ID          string                 `json:"id"`
	AccountID   string                 `json:"account_id"`
	TemplateRaw string                 `json:"template_raw"`
	Recipient   Recipient              `json:"recipient"`
	Variables   map[string]string      `json:"variables,omitempty"`
	RunAt       time.Time              `json:"run_at"`
	Status      ScheduledMessageStatus `json:"status"`
	Attempts    int                    `json:"attempts"`
	LastError   string                 `json:"last_error,omitempty"`
	SentAt      *time.Time             `json:"sent_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
