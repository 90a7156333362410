package model

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

const (
	TxKindMint     = "mint"
	TxKindTransfer = "transfer"
	TxKindSale     = "sale"
)

// TransactionRecord is one NFT transaction, produced either by a snapshot
// fetch or by a live transaction:new envelope. Never mutated after creation.
type TransactionRecord struct {
	TokenID        string          `json:"tokenId"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Timestamp      int64           `json:"timestampSeconds"`
	TxHash         string          `json:"txHash"`
	Kind           string          `json:"kind"`
	PriceETH       decimal.Decimal `json:"priceETH"`
	IsWhaleFlagged bool            `json:"isWhaleFlagged"`
}

// Key 根据 txHash + tokenId 去重
func (t TransactionRecord) Key() string {
	return fmt.Sprintf("%s:%s", t.TxHash, t.TokenID)
}

func DecodeTransaction(payload []byte) (TransactionRecord, error) {
	var rec TransactionRecord
	if err := sonic.Unmarshal(payload, &rec); err != nil {
		return TransactionRecord{}, fmt.Errorf("decode transaction payload: %w", err)
	}
	if rec.TxHash == "" {
		return TransactionRecord{}, fmt.Errorf("transaction payload missing txHash")
	}
	return rec, nil
}
