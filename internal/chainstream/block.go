package chainstream

import "math/big"

// Transaction represents a native-token transfer candidate observed on
// chain or in the mempool.
type Transaction struct {
	Hash        string   // unique transaction hash, lowercase hex
	From        string   // sender address
	To          string   // recipient address; empty means contract creation
	Value       *big.Int // transferred amount in wei
	BlockNumber *uint64  // block that included the transaction; nil while pending
}

// Block represents a blockchain block with its number, hash, and the full
// transaction bodies it includes.
type Block struct {
	Number       uint64
	Hash         string
	Transactions []Transaction
}
