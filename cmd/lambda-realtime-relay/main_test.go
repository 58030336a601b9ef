package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/resilience"
)

func snsRecord(t *testing.T, id string, n invalidation.Notice) events.SQSMessage {
	t.Helper()
	msg, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal notice: %v", err)
	}
	body, err := json.Marshal(map[string]string{"Message": string(msg)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func testNotice() invalidation.Notice {
	return invalidation.Notice{
		Event: invalidation.Event{
			Kind: invalidation.Swap,
			Pool: common.HexToAddress("0x00000000000000000000000000000000000000F1"),
		},
		Targets: invalidation.Targets{Keys: []string{"pool:info:0xf1"}},
	}
}

func newTestRelay(url string) *relay {
	return &relay{
		webhookURL: url,
		client:     &http.Client{Timeout: time.Second},
		policy: newPolicy(resilience.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
		}),
		logger: observability.NewNopLogger(),
	}
}

func TestRelay_Statuses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
		wantFail  bool
	}{
		{"delivered", http.StatusNoContent, 1, false},
		{"server error retried then redelivered", http.StatusBadGateway, 2, true},
		{"throttled is retried", http.StatusTooManyRequests, 2, true},
		{"rejected is dropped", http.StatusBadRequest, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			var got invalidation.Notice
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &got)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp, err := newTestRelay(srv.URL).Handle(context.Background(), events.SQSEvent{
				Records: []events.SQSMessage{snsRecord(t, "m1", testNotice())},
			})
			if err != nil {
				t.Fatalf("Handle returned %v", err)
			}
			if n := calls.Load(); n != tt.wantCalls {
				t.Errorf("Expected %d webhook calls, got %d", tt.wantCalls, n)
			}
			if failed := len(resp.BatchItemFailures) == 1; failed != tt.wantFail {
				t.Errorf("Expected failure=%v, got %+v", tt.wantFail, resp.BatchItemFailures)
			}
			if got.Event.Kind != invalidation.Swap || len(got.Targets.Keys) != 1 {
				t.Errorf("Webhook received unexpected notice %+v", got)
			}
		})
	}
}

func TestRelay_BadBodyAndMissingURL(t *testing.T) {
	r := newTestRelay("")
	resp, err := r.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			{MessageId: "bad", Body: "not json"},
			{MessageId: "empty", Body: `{"Message":""}`},
			snsRecord(t, "no-url", testNotice()),
		},
	})
	if err != nil {
		t.Fatalf("Handle returned %v", err)
	}
	if len(resp.BatchItemFailures) != 2 {
		t.Fatalf("Expected 2 failures, got %+v", resp.BatchItemFailures)
	}
	for i, id := range []string{"bad", "empty"} {
		if resp.BatchItemFailures[i].ItemIdentifier != id {
			t.Errorf("Expected failure %d to be %s, got %s", i, id, resp.BatchItemFailures[i].ItemIdentifier)
		}
	}

	t.Log("✓ Undecodable records are redelivered, records without a target are skipped")
}

func TestRelay_URLFromAttribute(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	url := srv.URL
	rec := snsRecord(t, "m1", testNotice())
	rec.MessageAttributes = map[string]events.SQSMessageAttribute{
		"webhookURL": {StringValue: &url, DataType: "String"},
	}

	resp, err := newTestRelay("").Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{rec}})
	if err != nil || len(resp.BatchItemFailures) != 0 {
		t.Fatalf("Expected clean delivery, got %v %+v", err, resp.BatchItemFailures)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected attribute URL to be used, got %d calls", calls.Load())
	}
}

func TestMaskURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://short", "http://short"},
		{"https://hooks.example.com/services/T000/B000/secret", "https://hooks.e...000/secret"},
	}
	for _, tt := range tests {
		if got := maskURL(tt.in); got != tt.want {
			t.Errorf("maskURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
