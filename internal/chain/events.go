package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind identifies a pool event
type EventKind string

const (
	EventSwap        EventKind = "swap"
	EventMint        EventKind = "mint"
	EventBurn        EventKind = "burn"
	EventPairCreated EventKind = "pair_created"
)

var (
	swapTopic        = pairABI.Events["Swap"].ID
	mintTopic        = pairABI.Events["Mint"].ID
	burnTopic        = pairABI.Events["Burn"].ID
	pairCreatedTopic = factoryABI.Events["PairCreated"].ID
)

// Event is a decoded pool log
type Event struct {
	Kind EventKind
	Pool common.Address

	// Token0 and Token1 are only known for PairCreated
	Token0 common.Address
	Token1 common.Address

	// Swap: gross amount of each token that moved through the pool.
	// Mint/Burn: the amounts added or removed.
	Amount0 *big.Int
	Amount1 *big.Int

	// Recipient is the Burn "to" address
	Recipient common.Address

	TxHash   common.Hash
	Block    uint64
	LogIndex uint
	Removed  bool
}

// watchedTopics are the event signatures the watcher subscribes to
func watchedTopics() [][]common.Hash {
	return [][]common.Hash{{swapTopic, mintTopic, burnTopic, pairCreatedTopic}}
}

// DecodeLog converts a raw log into an Event. ok is false for logs the
// dashboard does not track, including PairCreated from another factory.
func DecodeLog(factory common.Address, lg types.Log) (ev Event, ok bool, err error) {
	if len(lg.Topics) == 0 {
		return Event{}, false, nil
	}

	ev = Event{
		Pool:     lg.Address,
		TxHash:   lg.TxHash,
		Block:    lg.BlockNumber,
		LogIndex: lg.Index,
		Removed:  lg.Removed,
	}

	switch lg.Topics[0] {
	case swapTopic:
		vals, err := pairABI.Unpack("Swap", lg.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("decode Swap: %w", err)
		}
		ev.Kind = EventSwap
		ev.Amount0 = new(big.Int).Add(vals[0].(*big.Int), vals[2].(*big.Int))
		ev.Amount1 = new(big.Int).Add(vals[1].(*big.Int), vals[3].(*big.Int))

	case mintTopic:
		vals, err := pairABI.Unpack("Mint", lg.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("decode Mint: %w", err)
		}
		ev.Kind = EventMint
		ev.Amount0 = vals[0].(*big.Int)
		ev.Amount1 = vals[1].(*big.Int)

	case burnTopic:
		vals, err := pairABI.Unpack("Burn", lg.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("decode Burn: %w", err)
		}
		if len(lg.Topics) < 3 {
			return Event{}, false, fmt.Errorf("decode Burn: expected 3 topics, got %d", len(lg.Topics))
		}
		ev.Kind = EventBurn
		ev.Amount0 = vals[0].(*big.Int)
		ev.Amount1 = vals[1].(*big.Int)
		ev.Recipient = common.BytesToAddress(lg.Topics[2].Bytes())

	case pairCreatedTopic:
		if lg.Address != factory {
			return Event{}, false, nil
		}
		if len(lg.Topics) < 3 {
			return Event{}, false, fmt.Errorf("decode PairCreated: expected 3 topics, got %d", len(lg.Topics))
		}
		vals, err := factoryABI.Unpack("PairCreated", lg.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("decode PairCreated: %w", err)
		}
		ev.Kind = EventPairCreated
		ev.Pool = vals[0].(common.Address)
		ev.Token0 = common.BytesToAddress(lg.Topics[1].Bytes())
		ev.Token1 = common.BytesToAddress(lg.Topics[2].Bytes())

	default:
		return Event{}, false, nil
	}

	return ev, true, nil
}
