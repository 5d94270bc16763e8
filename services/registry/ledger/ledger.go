// Package ledger reads minting activity and asset metadata from a
// Blockfrost-compatible ledger data provider.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound     = errors.New("ledger: not found")
	ErrUnauthorized = errors.New("ledger: unauthorized")
)

// PurposeMint marks a script invocation that mints or burns tokens.
const PurposeMint = "mint"

// Redeemer is one invocation of a script, as listed by
// /scripts/{hash}/redeemers.
type Redeemer struct {
	TxHash  string `json:"tx_hash"`
	TxIndex int    `json:"tx_index"`
	Purpose string `json:"purpose"`
}

// Amount is a quantity of one unit. Quantity is a decimal string.
type Amount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

// UTXO is one transaction input or output.
type UTXO struct {
	Address    string   `json:"address"`
	Amount     []Amount `json:"amount"`
	Collateral bool     `json:"collateral"`
	Reference  bool     `json:"reference"`
}

// TxUTXOs are the inputs and outputs of one transaction.
type TxUTXOs struct {
	Hash    string `json:"hash"`
	Inputs  []UTXO `json:"inputs"`
	Outputs []UTXO `json:"outputs"`
}

// Asset is the provider's view of a native asset.
type Asset struct {
	Asset           string          `json:"asset"`
	PolicyID        string          `json:"policy_id"`
	AssetName       string          `json:"asset_name"`
	Fingerprint     string          `json:"fingerprint"`
	Quantity        string          `json:"quantity"`
	OnchainMetadata json.RawMessage `json:"onchain_metadata"`
}

// Ledger is the subset of the provider API the scanner consumes.
type Ledger interface {
	ScriptRedeemers(ctx context.Context, scriptHash string, page, count int) ([]Redeemer, error)
	TransactionUTXOs(ctx context.Context, txHash string) (TxUTXOs, error)
	Asset(ctx context.Context, unit string) (Asset, error)
}
