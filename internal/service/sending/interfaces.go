// Package sending defines the gateway abstraction for WhatsApp delivery
// providers and the typed errors the send path classifies retries with.
//
// Each provider (Meta Cloud API, AWS End User Messaging Social, etc.)
// implements the Gateway interface. The campaign runner and the scheduled
// message dispatcher stay provider-agnostic.
package sending

import (
	"context"
	"time"
)

// SendSpec describes one outgoing message.
type SendSpec struct {
	// AccountID identifies the tenant; Credential is the provider-level
	// sender identity (phone number id, channel arn, ...).
	AccountID  string
	Credential string
	Address    string
	Text       string
	// MediaRef, when set, points at validated media to attach.
	MediaRef string
	// ContextRef, when set, marks the message as a reply to a prior one.
	ContextRef string
}

// SendResult is the provider acknowledgment for an accepted message.
type SendResult struct {
	ProviderMessageID string
	AcceptedAt        time.Time
}

// EventKind enumerates asynchronous provider events.
type EventKind string

const (
	EventDelivered EventKind = "delivered"
	EventRead      EventKind = "read"
	EventFailed    EventKind = "failed"
	EventInbound   EventKind = "inbound"
)

// Event is an asynchronous status or inbound-message event from a provider.
type Event struct {
	ProviderMessageID string
	Kind              EventKind
	Timestamp         time.Time
	Reason            string
	// From and Text are set for inbound events only.
	From string
	Text string
}

// EventSink receives provider events. Sinks must not block; slow consumers
// should buffer internally.
type EventSink func(Event)

// Gateway sends messages through one provider. Implementations must be
// safe for concurrent use and must return *GatewayError for send failures
// so the retry classification in the workers holds.
type Gateway interface {
	Send(ctx context.Context, spec SendSpec) (*SendResult, error)
	// CheckAddress reports whether the address is plausibly deliverable.
	CheckAddress(ctx context.Context, address string) (bool, error)
	// Subscribe registers a sink for the given event kinds. Subscribing
	// twice adds a second sink.
	Subscribe(kinds []EventKind, sink EventSink)
}
