package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func mintTransferLog(t *testing.T, to common.Address, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address:     testPair,
		Topics:      []common.Hash{transferTopic, {}, addrTopic(to)},
		Data:        eventData(t, "Transfer", big.NewInt(1000)),
		BlockNumber: 50,
		TxHash:      tx,
		Index:       index,
	}
}

func TestMintResolver_ResolveMinter(t *testing.T) {
	feeTo := common.HexToAddress("0x2222222222222222222222222222222222222222")
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	mintTx := common.HexToHash("0xa1")
	otherTx := common.HexToHash("0xb2")

	mint := Event{Kind: EventMint, Pool: testPair, TxHash: mintTx, Block: 50, LogIndex: 4}

	tests := []struct {
		name string
		logs []types.Log
		want common.Address
	}{
		{
			name: "protocol fee mint precedes the LP mint",
			logs: []types.Log{
				mintTransferLog(t, feeTo, mintTx, 1),
				mintTransferLog(t, testUser, mintTx, 2),
			},
			want: testUser,
		},
		{
			name: "first deposit locks minimum liquidity",
			logs: []types.Log{
				mintTransferLog(t, common.Address{}, mintTx, 1),
				mintTransferLog(t, testUser, mintTx, 2),
			},
			want: testUser,
		},
		{
			name: "transfers from other transactions and later logs are ignored",
			logs: []types.Log{
				mintTransferLog(t, testUser, mintTx, 2),
				mintTransferLog(t, other, otherTx, 3),
				mintTransferLog(t, other, mintTx, 6),
			},
			want: testUser,
		},
		{
			name: "no transfer",
			want: common.Address{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(60, tt.logs...)
			r, err := NewMintResolver(src)
			if err != nil {
				t.Fatalf("NewMintResolver failed: %v", err)
			}

			got, err := r.ResolveMinter(context.Background(), mint)
			if err != nil {
				t.Fatalf("ResolveMinter failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected minter %s, got %s", tt.want.Hex(), got.Hex())
			}
			if len(src.queries) != 1 || src.queries[0].FromBlock.Uint64() != 50 || src.queries[0].ToBlock.Uint64() != 50 {
				t.Errorf("Expected a single query for block 50, got %+v", src.queries)
			}
		})
	}

	t.Log("✓ Minter resolved from the LP token transfer preceding Mint")
}

func TestMintResolver_RejectsOtherKinds(t *testing.T) {
	r, _ := NewMintResolver(newFakeSource(0))
	if _, err := r.ResolveMinter(context.Background(), Event{Kind: EventBurn, Pool: testPair}); err == nil {
		t.Error("Expected error for a non-mint event")
	}
}
