package ethereum

import (
	"strings"

	"github.com/whalesignal/whalesignal/internal/chainstream"
	"github.com/whalesignal/whalesignal/internal/pkg/types"
)

type (
	// transactionResponse represents a raw transaction object returned by
	// the Ethereum JSON-RPC API.
	transactionResponse struct {
		Type                 string    `json:"type"`
		ChainID              string    `json:"chainId"`
		Nonce                string    `json:"nonce"`
		Gas                  string    `json:"gas"`
		MaxFeePerGas         string    `json:"maxFeePerGas"`
		MaxPriorityFeePerGas string    `json:"maxPriorityFeePerGas"`
		To                   string    `json:"to"`
		Value                types.Hex `json:"value"`
		Input                string    `json:"input"`
		Hash                 string    `json:"hash"`
		BlockHash            string    `json:"blockHash"`
		BlockNumber          types.Hex `json:"blockNumber"`
		TransactionIndex     string    `json:"transactionIndex"`
		From                 string    `json:"from"`
		GasPrice             string    `json:"gasPrice"`
	}

	// headResponse is the slice of a newHeads notification payload the
	// pipeline needs.
	headResponse struct {
		Number types.Hex `json:"number"`
	}

	// blockResponse represents the structure of a block returned by the
	// Ethereum JSON-RPC API with full transaction bodies.
	blockResponse struct {
		Hash             string                `json:"hash"`
		ParentHash       string                `json:"parentHash"`
		Miner            string                `json:"miner"`
		StateRoot        string                `json:"stateRoot"`
		TransactionsRoot string                `json:"transactionsRoot"`
		ReceiptsRoot     string                `json:"receiptsRoot"`
		Number           types.Hex             `json:"number"`
		GasLimit         string                `json:"gasLimit"`
		GasUsed          string                `json:"gasUsed"`
		Timestamp        string                `json:"timestamp"`
		BaseFeePerGas    string                `json:"baseFeePerGas"`
		Size             string                `json:"size"`
		Transactions     []transactionResponse `json:"transactions"`
	}
)

// toTransaction converts a wire transaction into the domain representation.
// Addresses are folded to lowercase here so everything downstream compares
// normalized values.
func (t transactionResponse) toTransaction() chainstream.Transaction {
	tx := chainstream.Transaction{
		Hash:  strings.ToLower(t.Hash),
		From:  strings.ToLower(t.From),
		To:    strings.ToLower(t.To),
		Value: t.Value.BigInt(),
	}

	if !t.BlockNumber.IsEmpty() {
		number := t.BlockNumber.Uint64()
		tx.BlockNumber = &number
	}

	return tx
}

// toBlock converts a wire block into the domain representation.
func (b blockResponse) toBlock() chainstream.Block {
	transactions := make([]chainstream.Transaction, len(b.Transactions))
	for i, t := range b.Transactions {
		transactions[i] = t.toTransaction()
	}

	return chainstream.Block{
		Number:       b.Number.Uint64(),
		Hash:         strings.ToLower(b.Hash),
		Transactions: transactions,
	}
}
