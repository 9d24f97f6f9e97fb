package notifier

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const telegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	client   *resty.Client
	retrying *resty.Client
	token    string
	chatID   string
}

// NewTelegramNotifier posts to baseURL (the public Bot API when empty).
func NewTelegramNotifier(baseURL, token, chatID string) *TelegramNotifier {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	retrying := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp == nil || resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	return &TelegramNotifier{client: client, retrying: retrying, token: token, chatID: chatID}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) send(ctx context.Context, r *resty.Request, msg string) error {
	var out telegramResponse
	resp, err := r.
		SetContext(ctx).
		SetFormData(map[string]string{"chat_id": t.chatID, "text": msg}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return errors.Wrap(err, "telegram send")
	}
	if resp.StatusCode() != http.StatusOK || !out.OK {
		return errors.Errorf("telegram send failed: %s %s", resp.Status(), out.Description)
	}
	return nil
}

// Send makes a single attempt.
func (t *TelegramNotifier) Send(ctx context.Context, msg string) error {
	return t.send(ctx, t.client.R(), msg)
}

// SendWithRetry retries throttled and server-side failures with backoff.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, msg string) error {
	return t.send(ctx, t.retrying.R(), msg)
}
