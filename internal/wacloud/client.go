// Package wacloud is the Meta WhatsApp Cloud API gateway adapter. Sends go
// through the Graph API /{phone_number_id}/messages endpoint; delivery
// receipts and inbound messages arrive on the webhook handled here too.
//
// The client carries a circuit breaker so a melting provider sheds load
// fast instead of tying up campaign runners in timeouts.
package wacloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/ignite/whatsapp-engine/internal/service/sending"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v19.0"
	defaultTimeout    = 30 * time.Second
)

// Config configures the Cloud API client.
type Config struct {
	BaseURL       string
	APIVersion    string
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	Timeout       time.Duration
}

// Client implements sending.Gateway against the Meta Cloud API.
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cfg     Config

	mu    sync.RWMutex
	sinks map[sending.EventKind][]sending.EventSink
}

// NewClient creates a Cloud API client. The access token rides on every
// request through an oauth2 static token transport.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})
	httpClient := oauth2.NewClient(context.Background(), src)
	httpClient.Timeout = cfg.Timeout

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "wacloud",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[WACloud] Circuit %s: %s -> %s", name, from, to)
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		cfg:     cfg,
		sinks:   make(map[sending.EventKind][]sending.EventSink),
	}
}

// sendRequest is the Cloud API message payload.
type sendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Image            *mediaBody   `json:"image,omitempty"`
	Context          *contextBody `json:"context,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type mediaBody struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

type contextBody struct {
	MessageID string `json:"message_id"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Send pushes one message through the Cloud API. Classified errors come
// back as *sending.GatewayError.
func (c *Client) Send(ctx context.Context, spec sending.SendSpec) (*sending.SendResult, error) {
	credential := spec.Credential
	if credential == "" {
		credential = c.cfg.PhoneNumberID
	}

	req := sendRequest{
		MessagingProduct: "whatsapp",
		To:               spec.Address,
	}
	if spec.MediaRef != "" {
		req.Type = "image"
		req.Image = &mediaBody{ID: spec.MediaRef, Caption: spec.Text}
	} else {
		req.Type = "text"
		req.Text = &textBody{Body: spec.Text}
	}
	if spec.ContextRef != "" {
		req.Context = &contextBody{MessageID: spec.ContextRef}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, credential, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, sending.Transient("circuit_open", err)
		}
		return nil, err
	}
	return result.(*sending.SendResult), nil
}

func (c *Client) post(ctx context.Context, credential string, payload sendRequest) (*sending.SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, sending.Permanent("encode", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.cfg.BaseURL, c.cfg.APIVersion, credential)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, sending.Permanent("request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, sending.Transient("transport", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp, respBody)
	}

	var decoded sendResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil || len(decoded.Messages) == 0 {
		return nil, sending.Transient("decode", fmt.Errorf("unexpected response: %s", respBody))
	}
	return &sending.SendResult{
		ProviderMessageID: decoded.Messages[0].ID,
		AcceptedAt:        time.Now().UTC(),
	}, nil
}

// classifyStatus maps an HTTP failure to transient or permanent. 429 and
// 5xx are retryable; everything else 4xx is not.
func classifyStatus(resp *http.Response, body []byte) error {
	var decoded apiError
	json.Unmarshal(body, &decoded)
	code := strconv.Itoa(resp.StatusCode)
	if decoded.Error.Code != 0 {
		code = fmt.Sprintf("%d/%d", resp.StatusCode, decoded.Error.Code)
	}
	baseErr := fmt.Errorf("cloud api %s: %s", resp.Status, decoded.Error.Message)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return sending.TransientAfter(code, ra, baseErr)
		}
		return sending.Transient(code, baseErr)
	}
	return sending.Permanent(code, baseErr)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

var addressPattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// CheckAddress validates the address shape locally. The Cloud API has no
// cheap existence probe; a bad number surfaces as a permanent send error.
func (c *Client) CheckAddress(_ context.Context, address string) (bool, error) {
	return addressPattern.MatchString(address), nil
}

// Subscribe registers a sink for the given event kinds.
func (c *Client) Subscribe(kinds []sending.EventKind, sink sending.EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range kinds {
		c.sinks[k] = append(c.sinks[k], sink)
	}
}

func (c *Client) emit(ev sending.Event) {
	c.mu.RLock()
	sinks := c.sinks[ev.Kind]
	c.mu.RUnlock()
	for _, s := range sinks {
		s(ev)
	}
}
