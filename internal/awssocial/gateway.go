// Package awssocial adapts AWS End User Messaging Social to the gateway
// interface. AWS fronts the same Meta Cloud API, so the message payload
// is the Meta JSON document passed through SendWhatsAppMessage.
package awssocial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/socialmessaging"
	"github.com/aws/aws-sdk-go-v2/service/socialmessaging/types"

	"github.com/ignite/whatsapp-engine/internal/service/sending"
	"github.com/ignite/whatsapp-engine/internal/wacloud"
)

const defaultMetaAPIVersion = "v19.0"

// Config configures the AWS gateway.
type Config struct {
	Region         string
	AccessKey      string
	SecretKey      string
	OriginationID  string
	MetaAPIVersion string
}

// api is the slice of the socialmessaging client the gateway calls.
type api interface {
	SendWhatsAppMessage(ctx context.Context, params *socialmessaging.SendWhatsAppMessageInput, optFns ...func(*socialmessaging.Options)) (*socialmessaging.SendWhatsAppMessageOutput, error)
}

// Gateway implements sending.Gateway on AWS End User Messaging Social.
type Gateway struct {
	client        api
	originationID string
	apiVersion    string

	mu    sync.RWMutex
	sinks map[sending.EventKind][]sending.EventSink
}

// New builds the AWS client from static credentials when provided, the
// default chain otherwise.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(socialmessaging.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient wires an existing API client, used by tests.
func NewWithClient(client api, cfg Config) *Gateway {
	version := cfg.MetaAPIVersion
	if version == "" {
		version = defaultMetaAPIVersion
	}
	return &Gateway{
		client:        client,
		originationID: cfg.OriginationID,
		apiVersion:    version,
		sinks:         make(map[sending.EventKind][]sending.EventSink),
	}
}

// metaMessage is the pass-through Meta payload AWS forwards verbatim.
type metaMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *metaText    `json:"text,omitempty"`
	Image            *metaImage   `json:"image,omitempty"`
	Context          *metaContext `json:"context,omitempty"`
}

type metaText struct {
	Body string `json:"body"`
}

type metaImage struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

type metaContext struct {
	MessageID string `json:"message_id"`
}

// Send pushes one message through SendWhatsAppMessage.
func (g *Gateway) Send(ctx context.Context, spec sending.SendSpec) (*sending.SendResult, error) {
	origination := spec.Credential
	if origination == "" {
		origination = g.originationID
	}

	msg := metaMessage{
		MessagingProduct: "whatsapp",
		To:               spec.Address,
	}
	if spec.MediaRef != "" {
		msg.Type = "image"
		msg.Image = &metaImage{ID: spec.MediaRef, Caption: spec.Text}
	} else {
		msg.Type = "text"
		msg.Text = &metaText{Body: spec.Text}
	}
	if spec.ContextRef != "" {
		msg.Context = &metaContext{MessageID: spec.ContextRef}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, sending.Permanent("encode", err)
	}

	out, err := g.client.SendWhatsAppMessage(ctx, &socialmessaging.SendWhatsAppMessageInput{
		OriginationPhoneNumberId: aws.String(origination),
		MetaApiVersion:           aws.String(g.apiVersion),
		Message:                  payload,
	})
	if err != nil {
		return nil, classify(err)
	}
	if out.MessageId == nil {
		return nil, sending.Transient("no_message_id", errors.New("accepted without message id"))
	}
	return &sending.SendResult{
		ProviderMessageID: aws.ToString(out.MessageId),
		AcceptedAt:        time.Now().UTC(),
	}, nil
}

// classify maps AWS API errors to the retry taxonomy. Throttling and
// service faults retry; validation and auth failures do not.
func classify(err error) error {
	var throttled *types.ThrottledRequestException
	if errors.As(err, &throttled) {
		return sending.TransientAfter("throttled", 5*time.Second, err)
	}
	var internal *types.InternalServiceException
	if errors.As(err, &internal) {
		return sending.Transient("internal_service", err)
	}
	var invalid *types.ValidationException
	if errors.As(err, &invalid) {
		return sending.Permanent("validation", err)
	}
	var denied *types.AccessDeniedByMetaException
	if errors.As(err, &denied) {
		return sending.Permanent("access_denied", err)
	}
	var missing *types.ResourceNotFoundException
	if errors.As(err, &missing) {
		return sending.Permanent("not_found", err)
	}
	return sending.Transient("unclassified", err)
}

var addressPattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// CheckAddress validates the address shape locally.
func (g *Gateway) CheckAddress(_ context.Context, address string) (bool, error) {
	return addressPattern.MatchString(address), nil
}

// Subscribe registers a sink for the given event kinds.
func (g *Gateway) Subscribe(kinds []sending.EventKind, sink sending.EventSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range kinds {
		g.sinks[k] = append(g.sinks[k], sink)
	}
}

// snsEnvelope is the SNS notification wrapper AWS delivers webhook events
// in. Message carries the Meta webhook body as a string.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// HandleEventNotification unwraps an SNS notification and fans the Meta
// webhook events inside it out to the subscribed sinks. The payload
// format matches the Cloud API webhook, so the parsing is shared.
func (g *Gateway) HandleEventNotification(body []byte) error {
	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decoding SNS envelope: %w", err)
	}
	payload := []byte(envelope.Message)
	if envelope.Message == "" {
		// Raw delivery without the SNS wrapper.
		payload = body
	}
	events, err := wacloud.ParseWebhook(payload)
	if err != nil {
		return fmt.Errorf("decoding webhook payload: %w", err)
	}
	for _, ev := range events {
		g.emit(ev)
	}
	if len(events) > 0 {
		log.Printf("[AWSSocial] Processed %d webhook event(s)", len(events))
	}
	return nil
}

func (g *Gateway) emit(ev sending.Event) {
	g.mu.RLock()
	sinks := g.sinks[ev.Kind]
	g.mu.RUnlock()
	for _, s := range sinks {
		s(ev)
	}
}
