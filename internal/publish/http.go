package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postpilot/internal/domain"
)

// HTTP hands items to an external publish worker over HTTP.
//
// Request: POST <base>/publish with a JSON body (see publishRequest).
// Response: 2xx on success. Otherwise an optional JSON body {"error": code,
// "message": text}; the codes "session_expired" and "banned" are fatal for the
// account, everything else is retried.
type HTTP struct {
	baseURL string
	token   string
	client  *http.Client
}

type publishRequest struct {
	AccountID   string    `json:"account_id"`
	Platform    string    `json:"platform,omitempty"`
	ItemID      string    `json:"item_id"`
	PayloadRef  string    `json:"payload_ref"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Attempt     int       `json:"attempt"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHTTP(baseURL, token string, timeout time.Duration) (*HTTP, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("publisher url is required for http driver")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTP{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTP) Publish(ctx context.Context, acc domain.Account, it domain.Item) error {
	data, err := json.Marshal(publishRequest{
		AccountID:   acc.ID,
		Platform:    acc.Platform,
		ItemID:      it.ID,
		PayloadRef:  it.PayloadRef,
		ScheduledAt: it.At(),
		Attempt:     it.Attempts + 1,
	})
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/publish", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", it.ID+":"+strconv.Itoa(it.Attempts+1))
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyResponse(resp.StatusCode, resp.Header.Get("Retry-After"), body)
}

func classifyTransport(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Retryable(KindTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(KindTimeout, err)
	}
	return Retryable(KindNetwork, err)
}

func classifyResponse(status int, retryAfter string, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := strings.TrimSpace(eb.Message)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	base := fmt.Errorf("publish worker returned %d: %s", status, msg)

	switch FatalKind(strings.ToLower(eb.Error)) {
	case KindSessionExpired:
		return Fatal(KindSessionExpired, base)
	case KindBanned:
		return Fatal(KindBanned, base)
	}
	switch status {
	case http.StatusUnauthorized:
		return Fatal(KindSessionExpired, base)
	case http.StatusForbidden:
		return Fatal(KindBanned, base)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Retryable(KindTimeout, base)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return RetryAfter(KindNetwork, parseRetryAfter(retryAfter, time.Now()), base)
	}
	if status >= 500 {
		return Retryable(KindNetwork, base)
	}
	return Retryable(KindUnknown, base)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
