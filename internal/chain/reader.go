// Package chain reads UniswapV2 state from Ethereum RPC endpoints and watches
// pool events.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/resilience"
)

// ErrNotFound means the address holds no contract of the expected kind
var ErrNotFound = errors.New("contract not found")

// PairFeeBPS is the UniswapV2 swap fee
const PairFeeBPS = 30

// ReaderConfig configures a Reader
type ReaderConfig struct {
	Caller  bind.ContractCaller
	Factory common.Address
	Policy  *resilience.Policy

	// CallTimeout bounds each attempt. Zero means no per-call timeout.
	CallTimeout time.Duration
}

// Reader performs the read-only contract calls behind pool discovery,
// reserves and LP positions. Absence is reported as ErrNotFound; every
// other failure wraps domain.ErrUpstreamUnavailable.
type Reader struct {
	caller      bind.ContractCaller
	factoryAddr common.Address
	factory     *bind.BoundContract
	policy      *resilience.Policy
	callTimeout time.Duration
}

// NewReader creates a Reader over caller
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("chain reader requires a contract caller")
	}
	if cfg.Factory == (common.Address{}) {
		return nil, fmt.Errorf("chain reader requires a factory address")
	}
	if cfg.Policy == nil {
		cfg.Policy = resilience.NewPolicy(resilience.PolicyConfig{
			Name:      "rpc",
			Retry:     resilience.DefaultRetryConfig(),
			Permanent: []error{ErrNotFound},
		})
	}

	return &Reader{
		caller:      cfg.Caller,
		factoryAddr: cfg.Factory,
		factory:     bind.NewBoundContract(cfg.Factory, factoryABI, cfg.Caller, nil, nil),
		policy:      cfg.Policy,
		callTimeout: cfg.CallTimeout,
	}, nil
}

// Factory returns the factory address
func (r *Reader) Factory() common.Address {
	return r.factoryAddr
}

// call invokes one view method under the resilience policy
func (r *Reader) call(ctx context.Context, contract *bind.BoundContract, method string, params ...any) ([]any, error) {
	out, err := resilience.Do(ctx, r.policy, func(ctx context.Context) ([]any, error) {
		if r.callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
		}
		var out []any
		err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...)
		if errors.Is(err, bind.ErrNoCode) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, method)
		}
		return out, err
	})
	if err != nil {
		return nil, classify(method, err)
	}
	return out, nil
}

// requireCode tells a missing contract apart from a failing endpoint
func (r *Reader) requireCode(ctx context.Context, addr common.Address) error {
	_, err := resilience.Do(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		code, err := r.caller.CodeAt(ctx, addr, nil)
		if err != nil {
			return struct{}{}, err
		}
		if len(code) == 0 {
			return struct{}{}, fmt.Errorf("%w: %s", ErrNotFound, addr.Hex())
		}
		return struct{}{}, nil
	})
	if err != nil {
		return classify("eth_getCode", err)
	}
	return nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, op, err)
	}
}

// PairCount returns allPairsLength
func (r *Reader) PairCount(ctx context.Context) (uint64, error) {
	out, err := r.call(ctx, r.factory, "allPairsLength")
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("%w: allPairsLength: unexpected output %v", domain.ErrUpstreamUnavailable, out)
	}
	return n.Uint64(), nil
}

// PairAt returns allPairs(i)
func (r *Reader) PairAt(ctx context.Context, i uint64) (common.Address, error) {
	out, err := r.call(ctx, r.factory, "allPairs", new(big.Int).SetUint64(i))
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

func (r *Reader) pair(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, pairABI, r.caller, nil, nil)
}

// PairTokens returns the pair's token0 and token1. An address without code,
// or a contract that is not a pair, gives ErrNotFound.
func (r *Reader) PairTokens(ctx context.Context, pair common.Address) (common.Address, common.Address, error) {
	if err := r.requireCode(ctx, pair); err != nil {
		return common.Address{}, common.Address{}, err
	}

	c := r.pair(pair)
	out0, err := r.call(ctx, c, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, notAPair(pair, err)
	}
	out1, err := r.call(ctx, c, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, notAPair(pair, err)
	}
	return out0[0].(common.Address), out1[0].(common.Address), nil
}

// notAPair turns a revert from a non-pair contract into ErrNotFound
func notAPair(addr common.Address, err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return fmt.Errorf("%w: %s is not a pair", ErrNotFound, addr.Hex())
	}
	return err
}

// Token returns ERC20 metadata
func (r *Reader) Token(ctx context.Context, addr common.Address) (domain.Token, error) {
	if err := r.requireCode(ctx, addr); err != nil {
		return domain.Token{}, err
	}

	c := bind.NewBoundContract(addr, erc20ABI, r.caller, nil, nil)
	out, err := r.call(ctx, c, "decimals")
	if err != nil {
		return domain.Token{}, err
	}

	return domain.Token{
		Address:  addr,
		Symbol:   r.symbol(ctx, addr, c),
		Decimals: int(out[0].(uint8)),
	}, nil
}

// symbol is best effort: an unreadable symbol is left empty
func (r *Reader) symbol(ctx context.Context, addr common.Address, c *bind.BoundContract) string {
	if out, err := r.call(ctx, c, "symbol"); err == nil {
		if s, ok := out[0].(string); ok {
			return s
		}
	}

	legacy := bind.NewBoundContract(addr, erc20Bytes32SymbolABI, r.caller, nil, nil)
	out, err := r.call(ctx, legacy, "symbol")
	if err != nil {
		return ""
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return ""
	}
	return strings.TrimRight(string(raw[:]), "\x00")
}

// Reserves returns getReserves for pair
func (r *Reader) Reserves(ctx context.Context, pair common.Address) (domain.Reserves, error) {
	out, err := r.call(ctx, r.pair(pair), "getReserves")
	if err != nil {
		return domain.Reserves{}, notAPair(pair, err)
	}
	return domain.Reserves{
		PoolID:         pair,
		Reserve0:       out[0].(*big.Int),
		Reserve1:       out[1].(*big.Int),
		BlockTimestamp: time.Unix(int64(out[2].(uint32)), 0).UTC(),
	}, nil
}

// LPBalance returns the user's LP token balance in pair
func (r *Reader) LPBalance(ctx context.Context, pair, user common.Address) (*big.Int, error) {
	out, err := r.call(ctx, r.pair(pair), "balanceOf", user)
	if err != nil {
		return nil, notAPair(pair, err)
	}
	return out[0].(*big.Int), nil
}

// TotalSupply returns the pair's LP token supply
func (r *Reader) TotalSupply(ctx context.Context, pair common.Address) (*big.Int, error) {
	out, err := r.call(ctx, r.pair(pair), "totalSupply")
	if err != nil {
		return nil, notAPair(pair, err)
	}
	return out[0].(*big.Int), nil
}

// PairFee returns the UniswapV2 fee in basis points
func PairFee() money.BPS {
	return money.NewBPSFromInt(PairFeeBPS)
}
