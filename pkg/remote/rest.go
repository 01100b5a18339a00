package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RESTClient talks to the chat backend's REST API. It implements Store and
// TokenProvider.
type RESTClient struct {
	BaseURL string
	HTTP    *http.Client
	Log     zerolog.Logger
}

var _ Store = (*RESTClient)(nil)
var _ TokenProvider = (*RESTClient)(nil)

// NewRESTClient creates a client for the given base URL.
func NewRESTClient(baseURL string, log zerolog.Logger) *RESTClient {
	return &RESTClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{},
		Log:     log.With().Str("component", "rest_client").Logger(),
	}
}

type upsertResponse struct {
	ID string `json:"id"`
}

func (c *RESTClient) UpsertMessage(ctx context.Context, accessToken, dedupeKey string, fields MessageFields) (string, error) {
	const op = "upsert message"
	body, err := json.Marshal(&fields)
	if err != nil {
		return "", wrapErr(op, ClassValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.BaseURL+"/api/v1/messages/"+url.PathEscape(dedupeKey), bytes.NewReader(body))
	if err != nil {
		return "", wrapErr(op, ClassValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Idempotency-Key", dedupeKey)

	var resp upsertResponse
	if err := c.do(op, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", wrapErr(op, ClassValidation, fmt.Errorf("server returned empty message ID"))
	}
	return resp.ID, nil
}

func (c *RESTClient) QueryMessagesSince(ctx context.Context, accessToken string, groupIDs []string, since time.Time, limit int) ([]Message, error) {
	const op = "query messages"
	q := url.Values{}
	q.Set("groups", strings.Join(groupIDs, ","))
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/v1/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, wrapErr(op, ClassValidation, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var msgs []Message
	if err := c.do(op, req, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *RESTClient) RecentMessages(ctx context.Context, accessToken, groupID string, limit int) ([]Message, error) {
	const op = "recent messages"
	q := url.Values{}
	q.Set("groups", groupID)
	q.Set("order", "desc")
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/v1/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, wrapErr(op, ClassValidation, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var msgs []Message
	if err := c.do(op, req, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *RESTClient) MarkRead(ctx context.Context, accessToken, groupID string, through time.Time) error {
	const op = "mark read"
	body, err := json.Marshal(map[string]int64{"through": through.UnixMilli()})
	if err != nil {
		return wrapErr(op, ClassValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/groups/"+url.PathEscape(groupID)+"/read", bytes.NewReader(body))
	if err != nil {
		return wrapErr(op, ClassValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	return c.do(op, req, nil)
}

func (c *RESTClient) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	const op = "token refresh"
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, wrapErr(op, ClassValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, wrapErr(op, ClassValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var creds struct {
		AccessToken string `json:"access_token"`
		ExpiresAtMS int64  `json:"expires_at_ms"`
	}
	if err := c.do(op, req, &creds); err != nil {
		return nil, err
	}
	return &Credentials{
		AccessToken: creds.AccessToken,
		ExpiresAt:   time.UnixMilli(creds.ExpiresAtMS),
	}, nil
}

// do executes the request and decodes the response into out (if non-nil).
// Non-2xx statuses are mapped onto the error taxonomy: 401/403 → auth,
// 4xx → validation, everything else → transient.
func (c *RESTClient) do(op string, req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return wrapErr(op, ClassTransient, err)
	}
	defer resp.Body.Close()

	c.Log.Trace().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Remote store request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return wrapErr(op, ClassAuth, err)
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
			return wrapErr(op, ClassTransient, err)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return wrapErr(op, ClassValidation, err)
		default:
			return wrapErr(op, ClassTransient, err)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return wrapErr(op, ClassTransient, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
