package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nasos1212/woofyapp-sub000/internal/model"
)

func testRedemption() model.Redemption {
	offerID := int64(11)
	return model.Redemption{
		ID:           5,
		OfferID:      &offerID,
		MembershipID: 7,
		BusinessID:   1,
		MemberCode:   "WF-2024-000123",
		Discount:     "20% off grooming",
		RedeemedAt:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestReportRedemption_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/redemptions" {
			t.Fatalf("path = %s, want /api/redemptions", r.URL.Path)
		}

		var event map[string]any
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event["member_code"] != "WF-2024-000123" {
			t.Fatalf("member_code = %v", event["member_code"])
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, retry, err := client.ReportRedemption(ctx, testRedemption())
	if err != nil {
		t.Fatalf("ReportRedemption error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
}

func TestReportRedemption_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, retry, err := client.ReportRedemption(ctx, testRedemption())
	if err != nil {
		t.Fatalf("ReportRedemption error: %v", err)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retry)
	}
}

func TestReportRedemption_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, _, err := client.ReportRedemption(ctx, testRedemption())
	if err != nil {
		t.Fatalf("ReportRedemption error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d after retry", code, http.StatusOK)
	}
	if calls.Load() < 2 {
		t.Fatalf("calls = %d, want at least 2", calls.Load())
	}
}

func TestReportRedemption_NotConfigured(t *testing.T) {
	client := &Client{}

	_, _, err := client.ReportRedemption(context.Background(), testRedemption())
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
