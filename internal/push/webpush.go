package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/agent-command/promptrelay/internal/store"
)

// WebPushError is a non-2xx answer from a push service.
type WebPushError struct {
	StatusCode int
	Body       string
}

func (e *WebPushError) Error() string {
	return fmt.Sprintf("web push error %d: %s", e.StatusCode, e.Body)
}

// Gone reports whether the subscription no longer exists at the push service.
func (e *WebPushError) Gone() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IsGone reports whether err means the subscription should be dropped.
func IsGone(err error) bool {
	var wpErr *WebPushError
	return errors.As(err, &wpErr) && wpErr.Gone()
}

// WebMessage is the JSON document the service worker receives.
type WebMessage struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Subtitle string         `json:"subtitle,omitempty"`
	Tag      string         `json:"tag,omitempty"`
	Data     map[string]any `json:"data"`
}

type WebPushOptions struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTL        int
	HTTPClient webpush.HTTPClient
}

type WebPushClient struct {
	opts WebPushOptions
	// subscriber is Subject without "mailto:"; the library adds it back
	// for anything that is not an https URL.
	subscriber string
}

func NewWebPushClient(opts WebPushOptions) (*WebPushClient, error) {
	if opts.PublicKey == "" || opts.PrivateKey == "" || opts.Subject == "" {
		return nil, errors.New("vapid public key, private key and subject are required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 120
	}
	return &WebPushClient{
		opts:       opts,
		subscriber: strings.TrimPrefix(opts.Subject, "mailto:"),
	}, nil
}

// PublicKey is the VAPID application server key browsers subscribe with.
func (c *WebPushClient) PublicKey() string {
	return c.opts.PublicKey
}

func (c *WebPushClient) Send(ctx context.Context, sub store.WebPushSubscription, msg WebMessage) error {
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal web push payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      c.opts.HTTPClient,
		Subscriber:      c.subscriber,
		TTL:             c.opts.TTL,
		VAPIDPublicKey:  c.opts.PublicKey,
		VAPIDPrivateKey: c.opts.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("web push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &WebPushError{StatusCode: resp.StatusCode, Body: string(body)}
}
