package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// Broadcaster is the slice of the CometBFT RPC client the ledger store
// needs. *local.Local satisfies it.
type Broadcaster interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error)
	ABCIInfo(ctx context.Context) (*cmtrpctypes.ResultABCIInfo, error)
}

// ConsensusResult contains the result of a consensus operation
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32
	Log         string
}

// LedgerStore appends events by committing transactions to CometBFT and
// reads batches back through ABCI queries.
type LedgerStore struct {
	rpcClient Broadcaster
	nodeID    string
	logger    cmtlog.Logger
	now       func() time.Time
}

// NewLedgerStore creates a ledger backed store
func NewLedgerStore(rpcClient Broadcaster, nodeID string, logger cmtlog.Logger) *LedgerStore {
	return &LedgerStore{
		rpcClient: rpcClient,
		nodeID:    nodeID,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *LedgerStore) Name() string { return "cometbft" }

func (l *LedgerStore) Close() error { return nil }

// Ping asks the application for its last committed height
func (l *LedgerStore) Ping(ctx context.Context) error {
	_, err := await(ctx, func(ctx context.Context) (*cmtrpctypes.ResultABCIInfo, error) {
		return l.rpcClient.ABCIInfo(ctx)
	})
	return err
}

// Append commits one append transaction and waits for its block
func (l *LedgerStore) Append(ctx context.Context, batchID string, event workflow.Event) (*models.Receipt, error) {
	if err := validateAppend(batchID, event); err != nil {
		return nil, err
	}

	tx := models.Transaction{
		Op:          models.LedgerOpAppend,
		BatchID:     batchID,
		Event:       event,
		OriginNode:  l.nodeID,
		SubmittedAt: l.now(),
	}
	payload, err := tx.SerializeToBytes()
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeSerialization,
			Message: "Failed to serialize ledger transaction",
			Detail:  err.Error(),
		}
	}

	result, err := l.RunConsensus(ctx, payload)
	if err != nil {
		return nil, err
	}
	if result.Log == models.DuplicateLog {
		l.logger.Info("Ledger already holds event", "batch", batchID, "event", event.ID, "height", result.BlockHeight)
	}

	return &models.Receipt{
		BatchID:     batchID,
		EventID:     event.ID,
		AcceptedAt:  l.now(),
		TxHash:      result.TxHash,
		BlockHeight: result.BlockHeight,
	}, nil
}

// RunConsensus submits a transaction and waits for it to be committed or for
// ctx to end.
func (l *LedgerStore) RunConsensus(ctx context.Context, payload []byte) (*ConsensusResult, error) {
	consensusTx := cmttypes.Tx(payload)

	result, err := await(ctx, func(ctx context.Context) (*cmtrpctypes.ResultBroadcastTxCommit, error) {
		return l.rpcClient.BroadcastTxCommit(ctx, consensusTx)
	})
	if err != nil {
		return nil, err
	}

	if result.CheckTx.Code != models.CodeOK {
		return nil, &RepositoryError{
			Code:    CodeLedgerRejected,
			Message: "Ledger rejected transaction",
			Detail:  fmt.Sprintf("CheckTx code %d: %s", result.CheckTx.Code, result.CheckTx.Log),
		}
	}
	if result.TxResult.Code != models.CodeOK {
		return nil, &RepositoryError{
			Code:    CodeLedgerRejected,
			Message: "Ledger rejected transaction",
			Detail:  fmt.Sprintf("tx code %d: %s", result.TxResult.Code, result.TxResult.Log),
		}
	}

	return &ConsensusResult{
		TxHash:      hex.EncodeToString(result.Hash),
		BlockHeight: result.Height,
		Code:        result.TxResult.Code,
		Log:         result.TxResult.Log,
	}, nil
}

// Get queries the committed record of one batch
func (l *LedgerStore) Get(ctx context.Context, batchID string) (*workflow.Batch, error) {
	resp, err := l.query(ctx, models.QueryPathBatch, []byte(batchID))
	if err != nil {
		return nil, err
	}
	switch resp.Response.Code {
	case models.CodeOK:
	case models.CodeNotFound:
		return nil, notFound(batchID)
	default:
		return nil, &RepositoryError{Code: CodeDatabaseError, Message: "Ledger query failed", Detail: resp.Response.Log}
	}

	rec, err := models.DecodeRecord(resp.Response.Value)
	if err != nil {
		return nil, corrupted(batchID, err)
	}
	return rec.ToWorkflow(), nil
}

// ScanAll queries every committed batch record
func (l *LedgerStore) ScanAll(ctx context.Context) ([]workflow.Batch, error) {
	resp, err := l.query(ctx, models.QueryPathBatches, nil)
	if err != nil {
		return nil, err
	}
	if resp.Response.Code != models.CodeOK {
		return nil, &RepositoryError{Code: CodeDatabaseError, Message: "Ledger query failed", Detail: resp.Response.Log}
	}

	var records []models.BatchRecord
	if len(resp.Response.Value) > 0 {
		if err := json.Unmarshal(resp.Response.Value, &records); err != nil {
			return nil, &RepositoryError{Code: CodeCorrupted, Message: "Stored record is corrupted", Detail: err.Error()}
		}
	}
	out := make([]workflow.Batch, 0, len(records))
	for i := range records {
		out = append(out, *records[i].ToWorkflow())
	}
	return out, nil
}

func (l *LedgerStore) query(ctx context.Context, path string, data []byte) (*cmtrpctypes.ResultABCIQuery, error) {
	return await(ctx, func(ctx context.Context) (*cmtrpctypes.ResultABCIQuery, error) {
		return l.rpcClient.ABCIQuery(ctx, path, data)
	})
}

// await runs call in its own goroutine so a hung node cannot outlive ctx.
// RPC failures are reported as unavailability.
func await[T any](ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := call(ctx)
		done <- outcome{result, err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		return zero, consensusTimeout(ctx)
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return zero, consensusTimeout(ctx)
			}
			return zero, unavailable("Failed to reach the ledger", res.err)
		}
		return res.result, nil
	}
}

func consensusTimeout(ctx context.Context) *RepositoryError {
	return &RepositoryError{
		Code:    CodeConsensusTimeout,
		Message: "Consensus operation timed out",
		Detail:  ctx.Err().Error(),
	}
}
