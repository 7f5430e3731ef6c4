package awssocial

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/socialmessaging"
	"github.com/aws/aws-sdk-go-v2/service/socialmessaging/types"

	"github.com/ignite/whatsapp-engine/internal/service/sending"
)

type fakeAPI struct {
	inputs []*socialmessaging.SendWhatsAppMessageInput
	err    error
}

func (f *fakeAPI) SendWhatsAppMessage(_ context.Context, params *socialmessaging.SendWhatsAppMessageInput, _ ...func(*socialmessaging.Options)) (*socialmessaging.SendWhatsAppMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &socialmessaging.SendWhatsAppMessageOutput{MessageId: aws.String("wamid.aws1")}, nil
}

func TestSendBuildsMetaPayload(t *testing.T) {
	api := &fakeAPI{}
	g := NewWithClient(api, Config{OriginationID: "orig-1"})

	result, err := g.Send(context.Background(), sending.SendSpec{
		AccountID: "acct-1",
		Address:   "+15550000001",
		Text:      "Hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.ProviderMessageID != "wamid.aws1" {
		t.Fatalf("message id = %q", result.ProviderMessageID)
	}
	if len(api.inputs) != 1 {
		t.Fatalf("calls = %d", len(api.inputs))
	}
	in := api.inputs[0]
	if aws.ToString(in.OriginationPhoneNumberId) != "orig-1" {
		t.Fatalf("origination = %q", aws.ToString(in.OriginationPhoneNumberId))
	}
	if aws.ToString(in.MetaApiVersion) != defaultMetaAPIVersion {
		t.Fatalf("api version = %q", aws.ToString(in.MetaApiVersion))
	}
	var payload map[string]any
	if err := json.Unmarshal(in.Message, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["messaging_product"] != "whatsapp" || payload["to"] != "+15550000001" {
		t.Fatalf("payload = %v", payload)
	}
	if payload["text"].(map[string]any)["body"] != "Hello" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestSendPrefersSpecCredential(t *testing.T) {
	api := &fakeAPI{}
	g := NewWithClient(api, Config{OriginationID: "orig-default"})

	_, err := g.Send(context.Background(), sending.SendSpec{
		Credential: "orig-override",
		Address:    "+15550000001",
		Text:       "hi",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := aws.ToString(api.inputs[0].OriginationPhoneNumberId); got != "orig-override" {
		t.Fatalf("origination = %q", got)
	}
}

func TestSendClassification(t *testing.T) {
	cases := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{"throttled", &types.ThrottledRequestException{}, true},
		{"internal", &types.InternalServiceException{}, true},
		{"validation", &types.ValidationException{}, false},
		{"meta denied", &types.AccessDeniedByMetaException{}, false},
		{"not found", &types.ResourceNotFoundException{}, false},
		{"unclassified", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewWithClient(&fakeAPI{err: tc.err}, Config{OriginationID: "o"})
			_, err := g.Send(context.Background(), sending.SendSpec{Address: "+15550000001", Text: "x"})
			if err == nil {
				t.Fatal("want error")
			}
			if got := sending.IsTransient(err); got != tc.wantTransient {
				t.Fatalf("transient = %v, want %v (%v)", got, tc.wantTransient, err)
			}
		})
	}
}

func TestThrottleCarriesRetryHint(t *testing.T) {
	g := NewWithClient(&fakeAPI{err: &types.ThrottledRequestException{}}, Config{OriginationID: "o"})
	_, err := g.Send(context.Background(), sending.SendSpec{Address: "+15550000001", Text: "x"})
	if got := sending.RetryAfterOf(err); got != 5*time.Second {
		t.Fatalf("retry after = %s", got)
	}
}

func TestHandleEventNotificationUnwrapsSNS(t *testing.T) {
	g := NewWithClient(&fakeAPI{}, Config{OriginationID: "o"})

	var got []sending.Event
	g.Subscribe([]sending.EventKind{sending.EventDelivered}, func(ev sending.Event) {
		got = append(got, ev)
	})

	webhook := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.sns1","status":"delivered","timestamp":"1756200000"}]}}]}]}`
	envelope, _ := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": webhook,
	})

	if err := g.HandleEventNotification(envelope); err != nil {
		t.Fatalf("HandleEventNotification: %v", err)
	}
	if len(got) != 1 || got[0].ProviderMessageID != "wamid.sns1" {
		t.Fatalf("events = %+v", got)
	}
}

func TestHandleEventNotificationRawDelivery(t *testing.T) {
	g := NewWithClient(&fakeAPI{}, Config{OriginationID: "o"})

	var got []sending.Event
	g.Subscribe([]sending.EventKind{sending.EventRead}, func(ev sending.Event) {
		got = append(got, ev)
	})

	raw := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.raw1","status":"read","timestamp":"1756200000"}]}}]}]}`
	if err := g.HandleEventNotification([]byte(raw)); err != nil {
		t.Fatalf("HandleEventNotification: %v", err)
	}
	if len(got) != 1 || got[0].ProviderMessageID != "wamid.raw1" {
		t.Fatalf("events = %+v", got)
	}
}
