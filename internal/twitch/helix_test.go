package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/detekoi/chatsage-sub004/internal/errors"
)

type staticTokens struct {
	token       string
	invalidated int
}

func (s *staticTokens) AppToken(_ context.Context) (string, error) { return s.token, nil }
func (s *staticTokens) InvalidateAppToken()                        { s.invalidated++ }

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *staticTokens) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens := &staticTokens{token: "app-token"}
	return NewClient("client-id", server.URL, tokens), tokens
}

func TestListSubscriptionsFollowsPagination(t *testing.T) {
	pages := []string{
		`{"data":[{"id":"sub-1","type":"stream.online"},{"id":"sub-2","type":"stream.offline"}],"pagination":{"cursor":"next-page"}}`,
		`{"data":[{"id":"sub-3","type":"channel.ad_break.begin"}],"pagination":{}}`,
	}
	var requests []*http.Request
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Clone(context.Background()))
		page := 0
		if r.URL.Query().Get("after") == "next-page" {
			page = 1
		}
		_, _ = w.Write([]byte(pages[page]))
	})

	subs, err := client.ListEventSubSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, "sub-3", subs[2].ID)

	require.Len(t, requests, 2)
	assert.Equal(t, "client-id", requests[0].Header.Get("Client-Id"))
	assert.Equal(t, "Bearer app-token", requests[0].Header.Get("Authorization"))
	assert.Equal(t, "next-page", requests[1].URL.Query().Get("after"))
}

func TestCreateSubscriptionSendsUserTokenWhenGiven(t *testing.T) {
	var authorization string
	var received CreateSubscriptionParams
	client, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":[{"id":"sub-1","type":"channel.ad_break.begin","status":"enabled"}]}`))
	})

	params := CreateSubscriptionParams{
		Type:      SubTypeAdBreakBegin,
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": "12345"},
		Transport: Transport{Method: "webhook", Callback: "https://example.com/hook", Secret: "s3cret"},
	}
	sub, err := client.CreateEventSubSubscription(context.Background(), params, "user-token")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)

	assert.Equal(t, "Bearer user-token", authorization)
	assert.Equal(t, SubTypeAdBreakBegin, received.Type)
	assert.Equal(t, "webhook", received.Transport.Method)
	assert.Equal(t, 0, tokens.invalidated)
}

func TestUnauthorizedInvalidatesAppToken(t *testing.T) {
	client, tokens := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":401,"message":"Invalid OAuth token"}`))
	})

	_, err := client.ListEventSubSubscriptions(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestForbiddenInvalidatesAppToken(t *testing.T) {
	client, tokens := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":403,"message":"missing scope"}`))
	})

	_, err := client.ListEventSubSubscriptions(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestUnauthorizedWithUserTokenLeavesAppTokenAlone(t *testing.T) {
	client, tokens := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":401,"message":"Invalid OAuth token"}`))
	})

	_, err := client.GetAdSchedule(context.Background(), "12345", "user-token")
	require.Error(t, err)
	assert.Equal(t, 0, tokens.invalidated)
}

func TestDeleteSubscriptionTreatsNotFoundAsGone(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":404,"message":"subscription not found"}`))
	})

	err := client.DeleteEventSubSubscription(context.Background(), "sub-1")
	assert.NoError(t, err)
}

func TestGetAdScheduleParsesBothTimestampEncodings(t *testing.T) {
	want := time.Date(2026, 8, 31, 12, 30, 0, 0, time.UTC)

	// 1788179400 is 2026-08-31T12:30:00Z.
	cases := map[string]string{
		"rfc3339":      `{"data":[{"next_ad_at":"2026-08-31T12:30:00Z","duration":180}]}`,
		"epoch":        `{"data":[{"next_ad_at":1788179400,"duration":180}]}`,
		"quoted epoch": `{"data":[{"next_ad_at":"1788179400","duration":180}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			})

			schedule, err := client.GetAdSchedule(context.Background(), "12345", "user-token")
			require.NoError(t, err)
			require.NotNil(t, schedule)
			assert.True(t, schedule.NextAdAt.Equal(want), "got %v", schedule.NextAdAt)
			assert.Equal(t, 180, schedule.DurationSeconds)
		})
	}
}

func TestGetAdScheduleEmptyDataMeansNoSchedule(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	schedule, err := client.GetAdSchedule(context.Background(), "12345", "user-token")
	require.NoError(t, err)
	assert.Nil(t, schedule)
}

func TestGetAdScheduleNullNextAdAt(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"next_ad_at":null,"duration":0}]}`))
	})

	schedule, err := client.GetAdSchedule(context.Background(), "12345", "user-token")
	require.NoError(t, err)
	require.NotNil(t, schedule)
	assert.True(t, schedule.NextAdAt.IsZero())
}

func TestGetUserByLoginNotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	_, err := client.GetUserByLogin(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestGetUserByLoginNormalizesName(t *testing.T) {
	var login string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		login = r.URL.Query().Get("login")
		_, _ = w.Write([]byte(`{"data":[{"id":"12345","login":"alpha","display_name":"Alpha"}]}`))
	})

	user, err := client.GetUserByLogin(context.Background(), "#Alpha")
	require.NoError(t, err)
	assert.Equal(t, "12345", user.ID)
	assert.Equal(t, "alpha", login)
}
