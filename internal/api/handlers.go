package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/liquidity-dashboard/internal/cachekeys"
	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/invalidation"
)

// maxEventBody caps POST /v1/events payloads
const maxEventBody = 64 << 10

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrPoolNotFound), errors.Is(err, domain.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, cachekeys.ErrInvalidIdentifier),
		errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.LogError(r.Context(), "request failed", err, "path", r.URL.Path, "status", status)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// respond writes v, or the mapped error
func respond[T any](s *Server, w http.ResponseWriter, r *http.Request, v T, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// pathAddress parses the named path segment as an address
func pathAddress(r *http.Request, name string) (common.Address, error) {
	a, err := cachekeys.ParseAddress(r.PathValue(name))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s: %v", domain.ErrInvalidAddress, name, err)
	}
	return a, nil
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.pools.ListPools(r.Context())
	respond(s, w, r, pools, err)
}

func (s *Server) topPools(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit %q", domain.ErrInvalidArgument, raw))
			return
		}
		limit = n
	}
	top, err := s.analytics.TopPools(r.Context(), limit)
	respond(s, w, r, top, err)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pool, err := s.pools.GetPool(r.Context(), id)
	respond(s, w, r, pool, err)
}

func (s *Server) getReserves(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.pools.GetReserves(r.Context(), id)
	respond(s, w, r, res, err)
}

func (s *Server) getAnalytics(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	an, err := s.analytics.GetAnalytics(r.Context(), id)
	respond(s, w, r, an, err)
}

func (s *Server) impermanentLoss(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	raw := r.URL.Query().Get("entry_price")
	entry, err := decimal.NewFromString(raw)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: entry_price %q", domain.ErrInvalidArgument, raw))
		return
	}
	il, err := s.analytics.ImpermanentLoss(r.Context(), id, entry)
	respond(s, w, r, il, err)
}

func (s *Server) poolsForToken(w http.ResponseWriter, r *http.Request) {
	token, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pools, err := s.pools.PoolsForToken(r.Context(), token)
	respond(s, w, r, pools, err)
}

func (s *Server) tokenPrice(w http.ResponseWriter, r *http.Request) {
	token, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := s.analytics.TokenPriceUSD(r.Context(), token)
	respond(s, w, r, price, err)
}

func (s *Server) getPositions(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	set, err := s.positions.GetPositions(r.Context(), user)
	respond(s, w, r, set, err)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pool, err := pathAddress(r, "pool")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.positions.GetPosition(r.Context(), user, pool)
	respond(s, w, r, pos, err)
}

func (s *Server) portfolio(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pf, err := s.portfolios.PortfolioSummary(r.Context(), user)
	respond(s, w, r, pf, err)
}

func (s *Server) totalFees(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.fees.TotalFees(r.Context(), user)
	respond(s, w, r, total, err)
}

func (s *Server) feeEarnings(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pool, err := pathAddress(r, "pool")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fe, err := s.fees.GetFeeEarnings(r.Context(), user, pool)
	respond(s, w, r, fe, err)
}

type eventAck struct {
	Status string            `json:"status"`
	Kind   invalidation.Kind `json:"kind"`
}

// postEvent records a mutation and answers only after the cache entries it
// made stale are gone.
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev invalidation.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decode event: %v", domain.ErrInvalidArgument, err))
		return
	}
	if err := ev.Validate(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clock.Now().UTC()
	}

	if err := s.invalidator.Commit(r.Context(), ev, s.mutationFor(ev)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventAck{Status: "applied", Kind: ev.Kind})
}

// mutationFor returns the write an event carries, or nil for events that only
// invalidate.
func (s *Server) mutationFor(ev invalidation.Event) func(context.Context) error {
	hasTx := ev.TxHash != (common.Hash{})
	switch {
	case ev.Kind == invalidation.FeesClaimed && hasTx:
		claim := domain.FeeClaim{
			User:      ev.User,
			Pool:      ev.Pool,
			AmountUSD: ev.AmountUSD,
			TxHash:    ev.TxHash,
			ClaimedAt: ev.At,
		}
		return func(ctx context.Context) error { return s.recorder.RecordFeeClaim(ctx, claim) }
	case ev.Kind == invalidation.Swap && hasTx && ev.AmountUSD > 0:
		swap := domain.SwapVolume{
			Pool:       ev.Pool,
			TxHash:     ev.TxHash,
			LogIndex:   ev.LogIndex,
			Block:      ev.Block,
			VolumeUSD:  ev.AmountUSD,
			ObservedAt: ev.At,
		}
		return func(ctx context.Context) error { return s.recorder.RecordSwap(ctx, swap) }
	}
	return nil
}

type healthBody struct {
	Status string `json:"status"`
	Cache  string `json:"cache"`
}

// health always answers 200; a down cache store only degrades latency
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "healthy", Cache: "ok"}
	if s.cache != nil {
		if err := s.cache.HealthCheck(r.Context()); err != nil {
			body.Cache = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type readyBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	body := readyBody{Status: "ready", Checks: make(map[string]string, len(s.ready))}
	status := http.StatusOK
	for _, c := range s.ready {
		ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
		err := c.Probe(ctx)
		cancel()
		if err != nil {
			body.Checks[c.Name] = err.Error()
			body.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		body.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, body)
}
