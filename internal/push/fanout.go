package push

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/promptrelay/internal/logging"
	"github.com/agent-command/promptrelay/internal/metrics"
	"github.com/agent-command/promptrelay/internal/store"
)

const (
	ChannelAPNs    = "apns"
	ChannelWebPush = "webpush"
)

type NativeSender interface {
	Send(ctx context.Context, deviceToken string, alert Alert) error
	SendSilent(ctx context.Context, deviceToken string, data map[string]any) error
}

type WebSender interface {
	Send(ctx context.Context, sub store.WebPushSubscription, msg WebMessage) error
}

// Registry is the part of the store the fan-out reads targets from and
// reports delivery results to.
type Registry interface {
	Devices(roomKey string) []store.NativeTarget
	TouchDevice(roomKey, token string)
	UnregisterDevice(roomKey, token string) bool
	WebPushTargets(roomKey string) []store.WebPushTarget
	TouchWebPush(roomKey, endpoint string)
	UnregisterWebPush(roomKey, endpoint string) bool
}

// Notification is one logical notification delivered on every channel.
type Notification struct {
	Title      string
	Subtitle   string
	Body       string
	Category   string
	CollapseID string
	Data       map[string]any
	// NativeData is added to Data for native pushes only.
	NativeData map[string]any
}

type FanoutOptions struct {
	// Native and Web are nil when the channel is not configured.
	Native   NativeSender
	Web      WebSender
	Registry Registry
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	// Timeout bounds one fan-out round.
	Timeout time.Duration
}

// Fanout delivers to every target in a room concurrently. A failing target
// never affects the others: successes are touched, permanently dead targets
// are pruned and anything else is logged.
type Fanout struct {
	native  NativeSender
	web     WebSender
	reg     Registry
	log     zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewFanout(opts FanoutOptions) *Fanout {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Fanout{
		native:  opts.Native,
		web:     opts.Web,
		reg:     opts.Registry,
		log:     opts.Logger.With().Str("component", "push").Logger(),
		metrics: opts.Metrics,
		timeout: opts.Timeout,
	}
}

func (f *Fanout) NativeConfigured() bool { return f.native != nil }
func (f *Fanout) WebConfigured() bool    { return f.web != nil }

// Notify sends n to every native device and web subscription of the room
// and returns once every delivery has finished.
func (f *Fanout) Notify(ctx context.Context, roomKey string, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.notifyNative(ctx, roomKey, n)
	}()
	go func() {
		defer wg.Done()
		f.notifyWeb(ctx, roomKey, n)
	}()
	wg.Wait()
}

// Dismiss asks native devices to withdraw the notification for requestID.
func (f *Fanout) Dismiss(ctx context.Context, roomKey, requestID string) {
	if f.native == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	data := map[string]any{"type": "dismiss", "request_id": requestID}
	f.eachDevice(ctx, roomKey, "silent push", func(ctx context.Context, token string) error {
		return f.native.SendSilent(ctx, token, data)
	})
}

func (f *Fanout) notifyNative(ctx context.Context, roomKey string, n Notification) {
	if f.native == nil {
		return
	}
	data := make(map[string]any, len(n.Data)+len(n.NativeData))
	for k, v := range n.Data {
		data[k] = v
	}
	for k, v := range n.NativeData {
		data[k] = v
	}
	alert := Alert{
		Title:      n.Title,
		Subtitle:   n.Subtitle,
		Body:       n.Body,
		Category:   n.Category,
		CollapseID: n.CollapseID,
		Data:       data,
	}
	f.eachDevice(ctx, roomKey, "notification", func(ctx context.Context, token string) error {
		return f.native.Send(ctx, token, alert)
	})
}

func (f *Fanout) eachDevice(ctx context.Context, roomKey, what string, send func(context.Context, string) error) {
	devices := f.reg.Devices(roomKey)
	if len(devices) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			err := send(ctx, token)
			short := logging.Truncate(token, 16)
			switch {
			case err == nil:
				f.reg.TouchDevice(roomKey, token)
				f.metrics.PushDelivery(ChannelAPNs, metrics.OutcomeOK)
				f.log.Debug().Str("token", short).Msgf("%s sent", what)
			case IsBadDevice(err):
				f.reg.UnregisterDevice(roomKey, token)
				f.metrics.PushDelivery(ChannelAPNs, metrics.OutcomePruned)
				f.log.Info().Str("token", short).Err(err).Msg("bad device token, removing")
			default:
				f.metrics.PushDelivery(ChannelAPNs, metrics.OutcomeError)
				f.log.Warn().Str("token", short).Err(err).Msgf("%s failed", what)
			}
		}(d.Token)
	}
	wg.Wait()
}

func (f *Fanout) notifyWeb(ctx context.Context, roomKey string, n Notification) {
	if f.web == nil {
		return
	}
	targets := f.reg.WebPushTargets(roomKey)
	if len(targets) == 0 {
		return
	}

	data := make(map[string]any, len(n.Data))
	for k, v := range n.Data {
		data[k] = v
	}
	msg := WebMessage{
		Title:    n.Title,
		Subtitle: n.Subtitle,
		Body:     n.Body,
		Tag:      n.CollapseID,
		Data:     data,
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(sub store.WebPushSubscription) {
			defer wg.Done()
			err := f.web.Send(ctx, sub, msg)
			short := logging.Truncate(sub.Endpoint, 48)
			switch {
			case err == nil:
				f.reg.TouchWebPush(roomKey, sub.Endpoint)
				f.metrics.PushDelivery(ChannelWebPush, metrics.OutcomeOK)
				f.log.Debug().Str("endpoint", short).Msg("web push sent")
			case IsGone(err):
				f.reg.UnregisterWebPush(roomKey, sub.Endpoint)
				f.metrics.PushDelivery(ChannelWebPush, metrics.OutcomePruned)
				f.log.Info().Str("endpoint", short).Err(err).Msg("subscription expired, removing")
			default:
				f.metrics.PushDelivery(ChannelWebPush, metrics.OutcomeError)
				f.log.Warn().Str("endpoint", short).Err(err).Msg("web push failed")
			}
		}(t.Subscription)
	}
	wg.Wait()
}
