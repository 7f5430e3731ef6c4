package wacloud

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/whatsapp-engine/internal/service/sending"
)

// webhookPayload mirrors the Cloud API webhook envelope. Only the fields
// the engine consumes are declared.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Statuses []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Errors    []struct {
			Code    int    `json:"code"`
			Title   string `json:"title"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"statuses"`
	Messages []struct {
		From      string `json:"from"`
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
}

// VerifyHandler answers the Cloud API webhook subscription handshake:
// echo hub.challenge when the verify token matches, 403 otherwise.
func (c *Client) VerifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("hub.mode")
		token := r.URL.Query().Get("hub.verify_token")
		challenge := r.URL.Query().Get("hub.challenge")

		if mode == "subscribe" && token == c.cfg.VerifyToken {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(challenge))
			return
		}
		log.Printf("[WACloud] Webhook verification rejected (mode=%q)", mode)
		w.WriteHeader(http.StatusForbidden)
	}
}

// EventsHandler consumes webhook notifications and fans the parsed events
// out to the subscribed sinks. It always answers 200 on parseable input;
// the provider retries on anything else and we never want receipt
// processing bugs to pile up provider retries.
func (c *Client) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		events, err := ParseWebhook(body)
		if err != nil {
			log.Printf("[WACloud] Webhook decode: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, ev := range events {
			c.emit(ev)
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ParseWebhook extracts delivery receipts and inbound messages from a raw
// webhook body.
func ParseWebhook(body []byte) ([]sending.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	var events []sending.Event
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			v := change.Value
			for _, st := range v.Statuses {
				kind, ok := statusKind(st.Status)
				if !ok {
					continue
				}
				ev := sending.Event{
					ProviderMessageID: st.ID,
					Kind:              kind,
					Timestamp:         unixTimestamp(st.Timestamp),
				}
				if kind == sending.EventFailed && len(st.Errors) > 0 {
					ev.Reason = strconv.Itoa(st.Errors[0].Code) + ": " + st.Errors[0].Title
				}
				events = append(events, ev)
			}
			for _, msg := range v.Messages {
				events = append(events, sending.Event{
					ProviderMessageID: msg.ID,
					Kind:              sending.EventInbound,
					Timestamp:         unixTimestamp(msg.Timestamp),
					From:              msg.From,
					Text:              msg.Text.Body,
				})
			}
		}
	}
	return events, nil
}

func statusKind(status string) (sending.EventKind, bool) {
	switch status {
	case "delivered":
		return sending.EventDelivered, true
	case "read":
		return sending.EventRead, true
	case "failed":
		return sending.EventFailed, true
	default:
		// "sent" and future statuses are ignored.
		return "", false
	}
}

func unixTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
