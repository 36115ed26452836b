package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/net/http2"
)

const (
	APNsProductionURL = "https://api.push.apple.com"
	APNsSandboxURL    = "https://api.sandbox.push.apple.com"

	// Apple rejects provider tokens older than an hour.
	providerTokenTTL = 50 * time.Minute
	apnsTimeout      = 15 * time.Second
)

// APNsError is a non-200 answer from APNs.
type APNsError struct {
	Status int
	Reason string
}

func (e *APNsError) Error() string {
	return fmt.Sprintf("apns error %d: %s", e.Status, e.Reason)
}

// IsBadDevice reports whether err means the device token will never work
// again and should be dropped.
func IsBadDevice(err error) bool {
	var apnsErr *APNsError
	if !errors.As(err, &apnsErr) {
		return false
	}
	return apnsErr.Status == http.StatusGone ||
		(apnsErr.Status == http.StatusBadRequest && apnsErr.Reason == "BadDeviceToken")
}

// Alert is a visible notification.
type Alert struct {
	Title      string
	Subtitle   string
	Body       string
	Category   string
	CollapseID string
	// Data is merged into the top level of the payload next to "aps".
	Data map[string]any
}

type APNsOptions struct {
	KeyID      string
	TeamID     string
	BundleID   string
	Key        *ecdsa.PrivateKey
	Production bool

	// BaseURL and HTTPClient default to Apple's endpoints over HTTP/2.
	BaseURL    string
	HTTPClient *http.Client
}

// APNsClient sends token-authenticated pushes over one shared HTTP/2
// connection pool.
type APNsClient struct {
	opts    APNsOptions
	baseURL string
	http    *http.Client
	tokens  *ttlcache.Cache[string, string]
}

// LoadAPNsKey reads the .p8 signing key downloaded from the developer portal.
func LoadAPNsKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apns key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse apns key: %w", err)
	}
	return key, nil
}

func NewAPNsClient(opts APNsOptions) (*APNsClient, error) {
	if opts.Key == nil {
		return nil, errors.New("apns signing key is required")
	}
	if opts.KeyID == "" || opts.TeamID == "" || opts.BundleID == "" {
		return nil, errors.New("apns key id, team id and bundle id are required")
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = APNsSandboxURL
		if opts.Production {
			baseURL = APNsProductionURL
		}
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http2.Transport{},
			Timeout:   apnsTimeout,
		}
	}

	tokens := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](providerTokenTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	return &APNsClient{
		opts:    opts,
		baseURL: baseURL,
		http:    client,
		tokens:  tokens,
	}, nil
}

// providerToken returns the cached ES256 token, signing a new one once the
// cached one is 50 minutes old.
func (c *APNsClient) providerToken() (string, error) {
	if item := c.tokens.Get(c.opts.KeyID); item != nil {
		return item.Value(), nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.opts.TeamID,
		"iat": time.Now().Unix(),
	})
	token.Header["kid"] = c.opts.KeyID

	signed, err := token.SignedString(c.opts.Key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	c.tokens.Set(c.opts.KeyID, signed, ttlcache.DefaultTTL)
	return signed, nil
}

// Send delivers a visible, time-sensitive alert.
func (c *APNsClient) Send(ctx context.Context, deviceToken string, alert Alert) error {
	body := map[string]any{
		"title": alert.Title,
		"body":  alert.Body,
	}
	if alert.Subtitle != "" {
		body["subtitle"] = alert.Subtitle
	}
	aps := map[string]any{
		"alert":              body,
		"sound":              "default",
		"mutable-content":    1,
		"interruption-level": "time-sensitive",
	}
	if alert.Category != "" {
		aps["category"] = alert.Category
	}

	payload := make(map[string]any, len(alert.Data)+1)
	for k, v := range alert.Data {
		payload[k] = v
	}
	payload["aps"] = aps

	return c.post(ctx, deviceToken, payload, "alert", "10", alert.CollapseID)
}

// SendSilent delivers a background push carrying only data.
func (c *APNsClient) SendSilent(ctx context.Context, deviceToken string, data map[string]any) error {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["aps"] = map[string]any{"content-available": 1}

	return c.post(ctx, deviceToken, payload, "background", "5", "")
}

func (c *APNsClient) post(ctx context.Context, deviceToken string, payload map[string]any, pushType, priority, collapseID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal apns payload: %w", err)
	}
	token, err := c.providerToken()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, apnsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/3/device/"+deviceToken, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build apns request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("apns-topic", c.opts.BundleID)
	req.Header.Set("apns-push-type", pushType)
	req.Header.Set("apns-priority", priority)
	req.Header.Set("Content-Type", "application/json")
	if collapseID != "" {
		req.Header.Set("apns-collapse-id", collapseID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	reason := string(raw)
	var parsed struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Reason != "" {
		reason = parsed.Reason
	}
	if reason == "ExpiredProviderToken" {
		c.tokens.Delete(c.opts.KeyID)
	}
	return &APNsError{Status: resp.StatusCode, Reason: reason}
}
