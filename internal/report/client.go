// Package report предоставляет клиент для передачи погашений в бэкенд платформы.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nasos1212/woofyapp-sub000/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с бэкендом платформы.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// redemptionEvent — полезная нагрузка события погашения для расчёта долей приютов.
type redemptionEvent struct {
	RedemptionID int64   `json:"redemption_id"`
	OfferID      *int64  `json:"offer_id,omitempty"`
	GrantID      *string `json:"grant_id,omitempty"`
	MembershipID int64   `json:"membership_id"`
	BusinessID   int64   `json:"business_id"`
	PetID        *int64  `json:"pet_id,omitempty"`
	MemberCode   string  `json:"member_code"`
	Discount     string  `json:"discount"`
	RedeemedAt   string  `json:"redeemed_at"`
}

// NewClient создаёт HTTP-клиент для отправки событий погашения по указанному адресу.
// Автоматически повторяются только сетевые сбои и ответы 5xx; 429 отдаётся
// вызывающей стороне вместе со значением Retry-After.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// ReportRedemption отправляет событие погашения. Возвращает HTTP-статус ответа
// и паузу из Retry-After, если платформа ограничила частоту запросов.
func (c *Client) ReportRedemption(ctx context.Context, rd model.Redemption) (int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return 0, 0, fmt.Errorf("report client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	event := redemptionEvent{
		RedemptionID: rd.ID,
		OfferID:      rd.OfferID,
		MembershipID: rd.MembershipID,
		BusinessID:   rd.BusinessID,
		PetID:        rd.PetID,
		MemberCode:   rd.MemberCode,
		Discount:     rd.Discount,
		RedeemedAt:   rd.RedeemedAt.Format(time.RFC3339),
	}
	if rd.GrantID != nil {
		id := rd.GrantID.String()
		event.GrantID = &id
	}

	body, err := json.Marshal(event)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal event: %w", err)
	}

	url := base + "/api/redemptions"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	return resp.StatusCode, 0, nil
}
