package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	errs "github.com/detekoi/chatsage-sub004/internal/errors"
)

const (
	helixRequestTimeout = 15 * time.Second

	// Helix app-token buckets allow 800 points/minute. Staying well under
	// that keeps startup subscription sweeps from tripping 429s.
	helixRequestsPerSecond = 10
	helixBurst             = 10
)

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix request failed with status %d: %s", e.StatusCode, e.Message)
}

// AppTokenSource supplies and invalidates the app access token the client
// authenticates server-to-server requests with.
type AppTokenSource interface {
	AppToken(ctx context.Context) (string, error)
	InvalidateAppToken()
}

// Client is a minimal Helix REST client covering the endpoints the bot needs.
// All requests share one rate limiter.
type Client struct {
	httpClient *http.Client
	clientID   string
	baseURL    string
	limiter    *rate.Limiter
	tokens     AppTokenSource
}

func NewClient(clientID, baseURL string, tokens AppTokenSource) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: helixRequestTimeout},
		clientID:   clientID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(helixRequestsPerSecond), helixBurst),
		tokens:     tokens,
	}
}

// CreateSubscriptionParams describes one EventSub subscription to create.
// Webhook transport details are filled in by the subscription manager.
type CreateSubscriptionParams struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

type Transport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

type subscriptionEnvelope struct {
	Data       []subscriptionPayload `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

type subscriptionPayload struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
	CreatedAt time.Time         `json:"created_at"`
}

func (p subscriptionPayload) toDomain() domain.Subscription {
	return domain.Subscription{
		ID:        p.ID,
		Type:      p.Type,
		Status:    p.Status,
		Condition: p.Condition,
		CreatedAt: p.CreatedAt,
	}
}

// CreateEventSubSubscription creates one subscription. An empty userToken
// authenticates with the app token; ad-break subscriptions require the
// broadcaster's user token.
func (c *Client) CreateEventSubSubscription(ctx context.Context, params CreateSubscriptionParams, userToken string) (*domain.Subscription, error) {
	var envelope subscriptionEnvelope
	err := c.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, params, userToken, &envelope)
	if err != nil {
		return nil, err
	}
	if len(envelope.Data) == 0 {
		return nil, errs.Data("no subscription returned from create", nil)
	}
	sub := envelope.Data[0].toDomain()
	return &sub, nil
}

// ListEventSubSubscriptions returns every subscription owned by this client
// ID, following pagination cursors.
func (c *Client) ListEventSubSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := url.Values{}

	for {
		var envelope subscriptionEnvelope
		if err := c.do(ctx, http.MethodGet, "/eventsub/subscriptions", query, nil, "", &envelope); err != nil {
			return nil, err
		}
		for _, payload := range envelope.Data {
			subs = append(subs, payload.toDomain())
		}
		if envelope.Pagination.Cursor == "" {
			return subs, nil
		}
		query.Set("after", envelope.Pagination.Cursor)
	}
}

// DeleteEventSubSubscription deletes a subscription by ID. A 404 means the
// subscription is already gone and is not an error.
func (c *Client) DeleteEventSubSubscription(ctx context.Context, id string) error {
	query := url.Values{}
	query.Set("id", id)

	err := c.do(ctx, http.MethodDelete, "/eventsub/subscriptions", query, nil, "", nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// AdSchedule is one broadcaster's ad schedule snapshot. A zero NextAdAt means
// no ad is scheduled.
type AdSchedule struct {
	NextAdAt        time.Time
	LastAdAt        time.Time
	DurationSeconds int
	SnoozeCount     int
}

type adScheduleEnvelope struct {
	Data []struct {
		NextAdAt    flexTime `json:"next_ad_at"`
		LastAdAt    flexTime `json:"last_ad_at"`
		Duration    int      `json:"duration"`
		SnoozeCount int      `json:"snooze_count"`
	} `json:"data"`
}

// GetAdSchedule fetches the broadcaster's ad schedule. The endpoint requires
// the broadcaster's own user token. A nil schedule with nil error means the
// platform returned no schedule data.
func (c *Client) GetAdSchedule(ctx context.Context, broadcasterID, userToken string) (*AdSchedule, error) {
	query := url.Values{}
	query.Set("broadcaster_id", broadcasterID)

	var envelope adScheduleEnvelope
	if err := c.do(ctx, http.MethodGet, "/channels/ads", query, nil, userToken, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}

	entry := envelope.Data[0]
	return &AdSchedule{
		NextAdAt:        entry.NextAdAt.Time,
		LastAdAt:        entry.LastAdAt.Time,
		DurationSeconds: entry.Duration,
		SnoozeCount:     entry.SnoozeCount,
	}, nil
}

// User is one Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUserByLogin resolves a login name to its numeric user ID.
func (c *Client) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	query := url.Values{}
	query.Set("login", domain.NormalizeChannelName(login))

	var envelope struct {
		Data []User `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", query, nil, "", &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Data) == 0 {
		return nil, errs.NotFound(fmt.Sprintf("user %q not found", login))
	}
	return &envelope.Data[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, userToken string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait cancelled: %w", err)
	}

	token := userToken
	if token == "" {
		appToken, err := c.tokens.AppToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app token: %w", err)
		}
		token = appToken
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Transient(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && userToken == "" {
			c.tokens.InvalidateAppToken()
		}
		var apiMessage struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiMessage)
		return &APIError{StatusCode: resp.StatusCode, Message: apiMessage.Message}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return errs.Data(fmt.Sprintf("failed to decode %s %s response", method, path), err)
		}
	}
	return nil
}

// flexTime decodes the timestamp encodings the ads endpoint has been observed
// to use: RFC3339 strings, Unix epoch seconds, and epoch seconds as quoted
// strings. null, zero, and empty values decode to the zero time.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" || raw == "" || raw == "0" {
		t.Time = time.Time{}
		return nil
	}

	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		t.Time = parsed
		return nil
	}

	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t.Time = time.Unix(epoch, 0).UTC()
		return nil
	}

	return fmt.Errorf("unrecognized timestamp %q", raw)
}
