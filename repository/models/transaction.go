package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

// LedgerOpAppend is the only operation carried by ledger transactions
const LedgerOpAppend = "append"

// Transaction is the payload broadcast to the ledger for one append
type Transaction struct {
	Op          string         `json:"op"`
	BatchID     string         `json:"batch_id"`
	Event       workflow.Event `json:"event"`
	OriginNode  string         `json:"origin_node,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// SerializeToBytes converts the transaction to bytes for the ledger
func (t *Transaction) SerializeToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// ParseTransaction decodes and structurally checks a ledger transaction
func ParseTransaction(raw []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("parse ledger tx: %w", err)
	}
	if tx.Op != LedgerOpAppend {
		return nil, fmt.Errorf("unsupported ledger op %q", tx.Op)
	}
	if tx.BatchID == "" {
		return nil, fmt.Errorf("ledger tx has no batch id")
	}
	if tx.Event.ID == "" || tx.Event.Type == "" {
		return nil, fmt.Errorf("ledger tx for batch %s has an incomplete event", tx.BatchID)
	}
	return &tx, nil
}

// Receipt is what a store hands back for an accepted append. TxHash and
// BlockHeight are set only when a ledger backs the write.
type Receipt struct {
	BatchID     string    `json:"batch_id"`
	EventID     string    `json:"event_id"`
	Sequence    uint64    `json:"sequence"`
	AcceptedAt  time.Time `json:"accepted_at"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockHeight int64     `json:"block_height,omitempty"`
}

// ABCI query paths served by the ledger application
const (
	QueryPathBatch   = "/batch"
	QueryPathBatches = "/batches"
	QueryPathTx      = "/tx"
)

// Result codes for ledger CheckTx, ExecTxResult and Query responses
const (
	CodeOK uint32 = iota
	CodeInvalidTx
	CodeRejected
	CodeNotFound
	CodeStorageError
)

// DuplicateLog marks an ExecTxResult for an event the ledger already holds
const DuplicateLog = "duplicate"
