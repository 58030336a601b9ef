package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var transferTopic = pairABI.Events["Transfer"].ID

// MintResolver finds the LP that received the liquidity of a Mint. A pair
// mints LP tokens to the recipient right before it emits Mint, so the
// recipient is the last Transfer from the zero address earlier in the same
// transaction.
type MintResolver struct {
	logs ethereum.LogFilterer
}

// NewMintResolver creates a MintResolver reading logs from logs
func NewMintResolver(logs ethereum.LogFilterer) (*MintResolver, error) {
	if logs == nil {
		return nil, errors.New("mint resolver: log source is required")
	}
	return &MintResolver{logs: logs}, nil
}

// ResolveMinter returns the LP credited by ev, or the zero address when the
// transaction holds no matching Transfer.
func (r *MintResolver) ResolveMinter(ctx context.Context, ev Event) (common.Address, error) {
	if ev.Kind != EventMint {
		return common.Address{}, fmt.Errorf("resolve minter: %s is not a mint", ev.Kind)
	}

	block := new(big.Int).SetUint64(ev.Block)
	logs, err := r.logs.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{ev.Pool},
		Topics:    [][]common.Hash{{transferTopic}, {common.Hash{}}},
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve minter: %w", err)
	}

	var (
		minter common.Address
		best   uint
		found  bool
	)
	for _, lg := range logs {
		if lg.Address != ev.Pool || lg.TxHash != ev.TxHash || lg.Index >= ev.LogIndex {
			continue
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != transferTopic || lg.Topics[1] != (common.Hash{}) {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		// the first deposit locks MINIMUM_LIQUIDITY at the zero address
		if to == (common.Address{}) {
			continue
		}
		if !found || lg.Index > best {
			minter, best, found = to, lg.Index, true
		}
	}
	return minter, nil
}
