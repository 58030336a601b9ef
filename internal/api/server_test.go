package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
)

var (
	poolID  = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	unknown = common.HexToAddress("0x00000000000000000000000000000000000000FF")
	broken  = common.HexToAddress("0x00000000000000000000000000000000000000EE")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000A11CE")

	now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

// lookup maps the fixture addresses to the error taxonomy
func lookup(id common.Address) error {
	switch id {
	case unknown:
		return fmt.Errorf("%w: %s", domain.ErrPoolNotFound, id.Hex())
	case broken:
		return fmt.Errorf("%w: rpc timeout", domain.ErrUpstreamUnavailable)
	}
	return nil
}

type fakeServices struct {
	lastLimit int
	lastEntry decimal.Decimal
}

func (f *fakeServices) ListPools(ctx context.Context) ([]domain.Pool, error) {
	return []domain.Pool{{ID: poolID, FeeBPS: 30}}, nil
}

func (f *fakeServices) GetPool(ctx context.Context, id common.Address) (domain.Pool, error) {
	if err := lookup(id); err != nil {
		return domain.Pool{}, err
	}
	return domain.Pool{ID: id, FeeBPS: 30}, nil
}

func (f *fakeServices) GetReserves(ctx context.Context, id common.Address) (domain.Reserves, error) {
	return domain.Reserves{PoolID: id}, lookup(id)
}

func (f *fakeServices) PoolsForToken(ctx context.Context, token common.Address) ([]domain.Pool, error) {
	return []domain.Pool{}, nil
}

func (f *fakeServices) GetAnalytics(ctx context.Context, id common.Address) (domain.PoolAnalytics, error) {
	if err := lookup(id); err != nil {
		return domain.PoolAnalytics{}, err
	}
	return domain.PoolAnalytics{PoolID: id, TVLUSD: money.NewUSDFromCents(12345), Price0In1: "1"}, nil
}

func (f *fakeServices) TopPools(ctx context.Context, limit int) ([]domain.PoolAnalytics, error) {
	f.lastLimit = limit
	return []domain.PoolAnalytics{}, nil
}

func (f *fakeServices) TokenPriceUSD(ctx context.Context, token common.Address) (domain.TokenPrice, error) {
	return domain.TokenPrice{Token: token, PriceUSD: decimal.NewFromInt(1)}, nil
}

func (f *fakeServices) ImpermanentLoss(ctx context.Context, id common.Address, entry decimal.Decimal) (domain.ImpermanentLoss, error) {
	f.lastEntry = entry
	if !entry.IsPositive() {
		return domain.ImpermanentLoss{}, fmt.Errorf("%w: entry price must be positive", domain.ErrInvalidArgument)
	}
	return domain.ImpermanentLoss{PoolID: id, LossBPS: -572}, nil
}

func (f *fakeServices) GetPosition(ctx context.Context, user, pool common.Address) (domain.Position, error) {
	if pool == unknown {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	return domain.Position{User: user, PoolID: pool, ShareBPS: 100}, nil
}

func (f *fakeServices) GetPositions(ctx context.Context, user common.Address) (domain.PositionSet, error) {
	return domain.PositionSet{User: user, Positions: []domain.Position{}}, nil
}

func (f *fakeServices) PortfolioSummary(ctx context.Context, user common.Address) (domain.Portfolio, error) {
	return domain.Portfolio{User: user, Positions: []domain.Position{}, Degraded: true}, nil
}

func (f *fakeServices) GetFeeEarnings(ctx context.Context, user, pool common.Address) (domain.FeeEarnings, error) {
	return domain.FeeEarnings{User: user, PoolID: pool, EarnedUSD: money.NewUSDFromCents(1250)}, nil
}

func (f *fakeServices) TotalFees(ctx context.Context, user common.Address) (domain.FeeTotal, error) {
	return domain.FeeTotal{User: user, Pools: 1}, nil
}

type fakeCommitter struct {
	steps []string
	err   error
}

func (f *fakeCommitter) Commit(ctx context.Context, ev invalidation.Event, mutate func(context.Context) error) error {
	if mutate != nil {
		if err := mutate(ctx); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	f.steps = append(f.steps, "invalidate:"+string(ev.Kind))
	return nil
}

type fakeRecorder struct {
	committer *fakeCommitter
	claims    []domain.FeeClaim
	swaps     []domain.SwapVolume
}

func (f *fakeRecorder) RecordFeeClaim(ctx context.Context, c domain.FeeClaim) error {
	f.claims = append(f.claims, c)
	f.committer.steps = append(f.committer.steps, "record:claim")
	return nil
}

func (f *fakeRecorder) RecordSwap(ctx context.Context, v domain.SwapVolume) error {
	f.swaps = append(f.swaps, v)
	f.committer.steps = append(f.committer.steps, "record:swap")
	return nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(ctx context.Context) error { return f.err }

type fixture struct {
	svc      *fakeServices
	commits  *fakeCommitter
	recorder *fakeRecorder
	server   *Server
}

func newFixture(t *testing.T, cacheErr error, ready ...Check) *fixture {
	t.Helper()
	f := &fixture{svc: &fakeServices{}, commits: &fakeCommitter{}}
	f.recorder = &fakeRecorder{committer: f.commits}
	s, err := NewServer(Config{
		Pools:       f.svc,
		Analytics:   f.svc,
		Positions:   f.svc,
		Portfolios:  f.svc,
		Fees:        f.svc,
		Invalidator: f.commits,
		Recorder:    f.recorder,
		Cache:       fakeHealth{err: cacheErr},
		Ready:       ready,
		Clock:       clockwork.NewFakeClockAt(now),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	f.server = s
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Status(t *testing.T) {
	a := alice.Hex()
	tests := []struct {
		name string
		path string
		want int
	}{
		{"list pools", "/v1/pools", http.StatusOK},
		{"top pools", "/v1/pools/top", http.StatusOK},
		{"pool", "/v1/pools/" + poolID.Hex(), http.StatusOK},
		{"pool lowercase", "/v1/pools/" + strings.ToLower(poolID.Hex()), http.StatusOK},
		{"pool not found", "/v1/pools/" + unknown.Hex(), http.StatusNotFound},
		{"pool upstream down", "/v1/pools/" + broken.Hex(), http.StatusServiceUnavailable},
		{"pool bad address", "/v1/pools/0x1234", http.StatusBadRequest},
		{"pool wildcard", "/v1/pools/0x*", http.StatusBadRequest},
		{"reserves", "/v1/pools/" + poolID.Hex() + "/reserves", http.StatusOK},
		{"analytics", "/v1/pools/" + poolID.Hex() + "/analytics", http.StatusOK},
		{"analytics not found", "/v1/pools/" + unknown.Hex() + "/analytics", http.StatusNotFound},
		{"impermanent loss", "/v1/pools/" + poolID.Hex() + "/impermanent-loss?entry_price=2000", http.StatusOK},
		{"impermanent loss missing price", "/v1/pools/" + poolID.Hex() + "/impermanent-loss", http.StatusBadRequest},
		{"impermanent loss zero price", "/v1/pools/" + poolID.Hex() + "/impermanent-loss?entry_price=0", http.StatusBadRequest},
		{"token pools", "/v1/tokens/" + poolID.Hex() + "/pools", http.StatusOK},
		{"token price", "/v1/tokens/" + poolID.Hex() + "/price", http.StatusOK},
		{"positions", "/v1/users/" + a + "/positions", http.StatusOK},
		{"position", "/v1/users/" + a + "/positions/" + poolID.Hex(), http.StatusOK},
		{"position not found", "/v1/users/" + a + "/positions/" + unknown.Hex(), http.StatusNotFound},
		{"portfolio", "/v1/users/" + a + "/portfolio", http.StatusOK},
		{"fees", "/v1/users/" + a + "/fees", http.StatusOK},
		{"fees pool", "/v1/users/" + a + "/fees/" + poolID.Hex(), http.StatusOK},
		{"user bad address", "/v1/users/alice/fees", http.StatusBadRequest},
		{"top bad limit", "/v1/pools/top?limit=abc", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newFixture(t, nil).do(http.MethodGet, tt.path, "")
			if rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d (body %s)", tt.path, rec.Code, tt.want, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected JSON content type, got %q", ct)
			}
		})
	}
}

func TestGetAnalytics_Body(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/v1/pools/"+poolID.Hex()+"/analytics", "")

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body["tvl_usd"] != "123.45" {
		t.Errorf("Expected tvl_usd \"123.45\", got %v", body["tvl_usd"])
	}
}

func TestDegradedServedAs200(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/v1/users/"+alice.Hex()+"/portfolio", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for degraded value, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded":true`) {
		t.Errorf("Expected degraded flag in body, got %s", rec.Body.String())
	}
}

func TestTopPools_Limit(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/v1/pools/top?limit=5", "")
	if f.svc.lastLimit != 5 {
		t.Errorf("Expected limit 5 forwarded, got %d", f.svc.lastLimit)
	}
}

func TestPostEvent_FeesClaimed(t *testing.T) {
	f := newFixture(t, nil)
	body := fmt.Sprintf(`{"kind":"fees_claimed","user":"%s","pool":"%s","amount_usd":"12.50","tx_hash":"%s"}`,
		alice.Hex(), poolID.Hex(), common.HexToHash("0xabc").Hex())

	rec := f.do(http.MethodPost, "/v1/events", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if got := strings.Join(f.commits.steps, ","); got != "record:claim,invalidate:fees_claimed" {
		t.Errorf("Expected record before invalidate, got %s", got)
	}
	if len(f.recorder.claims) != 1 {
		t.Fatalf("Expected 1 claim, got %d", len(f.recorder.claims))
	}
	claim := f.recorder.claims[0]
	if claim.AmountUSD.Cents() != 1250 || claim.User != alice || !claim.ClaimedAt.Equal(now) {
		t.Errorf("Unexpected claim %+v", claim)
	}

	t.Log("✓ Mutation acknowledged only after invalidation")
}

func TestPostEvent_Swap(t *testing.T) {
	f := newFixture(t, nil)
	body := fmt.Sprintf(`{"kind":"swap","pool":"%s","amount_usd":"4000","tx_hash":"%s","log_index":2,"block":7}`,
		poolID.Hex(), common.HexToHash("0xdef").Hex())

	if rec := f.do(http.MethodPost, "/v1/events", body); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.recorder.swaps) != 1 || f.recorder.swaps[0].VolumeUSD.Cents() != 400_000 || f.recorder.swaps[0].LogIndex != 2 {
		t.Errorf("Unexpected swaps %+v", f.recorder.swaps)
	}
}

func TestPostEvent_InvalidationOnly(t *testing.T) {
	f := newFixture(t, nil)
	body := fmt.Sprintf(`{"kind":"liquidity_added","user":"%s","pool":"%s"}`, alice.Hex(), poolID.Hex())

	if rec := f.do(http.MethodPost, "/v1/events", body); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := strings.Join(f.commits.steps, ","); got != "invalidate:liquidity_added" {
		t.Errorf("Expected invalidation only, got %s", got)
	}
}

func TestPostEvent_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown field", fmt.Sprintf(`{"kind":"swap","pool":"%s","extra":1}`, poolID.Hex())},
		{"unknown kind", fmt.Sprintf(`{"kind":"rebase","pool":"%s"}`, poolID.Hex())},
		{"missing pool", `{"kind":"swap"}`},
		{"claim without user", fmt.Sprintf(`{"kind":"fees_claimed","pool":"%s"}`, poolID.Hex())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.do(http.MethodPost, "/v1/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
			if len(f.commits.steps) != 0 {
				t.Errorf("Expected nothing committed, got %v", f.commits.steps)
			}
		})
	}
}

func TestPostEvent_CommitFailureNotAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	f.commits.err = errors.New("redis: connection refused")
	body := fmt.Sprintf(`{"kind":"swap","pool":"%s"}`, poolID.Hex())

	rec := f.do(http.MethodPost, "/v1/events", body)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "redis") {
		t.Errorf("Expected internal error detail hidden, got %s", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		cacheErr  error
		wantCache string
	}{
		{"store up", nil, "ok"},
		{"store down", errors.New("dial tcp: refused"), "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newFixture(t, tt.cacheErr).do(http.MethodGet, "/health", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}
			var body healthBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Invalid JSON: %v", err)
			}
			if body.Cache != tt.wantCache {
				t.Errorf("Expected cache %q, got %q", tt.wantCache, body.Cache)
			}
		})
	}
}

func TestReady(t *testing.T) {
	ok := Check{Name: "postgres", Probe: func(ctx context.Context) error { return nil }}
	down := Check{Name: "chain", Probe: func(ctx context.Context) error { return errors.New("no healthy endpoint") }}

	rec := newFixture(t, nil, ok).do(http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with passing checks, got %d", rec.Code)
	}

	rec = newFixture(t, nil, ok, down).do(http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with a failing check, got %d", rec.Code)
	}
	var body readyBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Checks["chain"] == "ok" || body.Checks["postgres"] != "ok" {
		t.Errorf("Unexpected checks %v", body.Checks)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodPost, "/v1/pools", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}
