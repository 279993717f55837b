// Package notify доставляет события по заказам во внешний приёмник уведомлений.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/growthmart/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с приёмником уведомлений.
type Client struct {
	url        string
	httpClient *http.Client
}

// Payload описывает тело уведомления об одном событии.
type Payload struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	Total      string    `json:"total"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewClient создаёт клиент, отправляющий события на указанный адрес.
func NewClient(url string) *Client {
	return &Client{
		url: strings.TrimRight(url, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// NewPayload собирает тело уведомления из события.
func NewPayload(e model.OrderEvent) Payload {
	return Payload{
		EventID:    e.ID,
		Type:       string(e.Type),
		OrderID:    e.OrderID,
		UserID:     e.UserID,
		Status:     string(e.Status),
		Total:      e.Total.StringFixed(2),
		OccurredAt: e.CreatedAt.UTC(),
	}
}

// Deliver отправляет событие и возвращает код ответа приёмника.
// Для 429 возвращается пауза из заголовка Retry-After и нулевая ошибка.
func (c *Client) Deliver(ctx context.Context, e model.OrderEvent) (int, time.Duration, error) {
	if c == nil || c.url == "" {
		return 0, 0, fmt.Errorf("notify client not configured")
	}

	target := c.url
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "http://" + target
	}

	body, err := json.Marshal(NewPayload(e))
	if err != nil {
		return 0, 0, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp.StatusCode, 0, nil
}
