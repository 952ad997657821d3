package app

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/dgraph-io/badger/v4"
)

const (
	keyLastBlockHeight = "last_block_height"
	keyLastAppHash     = "last_block_app_hash"
	txKeyPrefix        = "tx:"

	// AppVersion is reported through ABCI Info
	AppVersion uint64 = 1
)

// Application implements the ABCI interface. Its state is the set of batch
// records, one badger key per batch, plus the raw committed transactions.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	nodeID       string
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger
}

// AppConfig contains configuration for the application
type AppConfig struct {
	NodeID string
	// EnforceTransitions re-runs the workflow validator on every committed
	// append so a node cannot slip an invalid event past the portal.
	EnforceTransitions bool
	LogAllTxs          bool // Whether to log all transactions, even failed ones
}

// NewABCIApplication creates a new application
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger) *Application {
	return &Application{
		badgerDB: badgerDB,
		nodeID:   config.NodeID,
		config:   config,
		logger:   logger,
	}
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastBlockHeight))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get([]byte(keyLastAppHash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		lastBlockAppHash, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		Data:             "herbtrace",
		AppVersion:       AppVersion,
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query serves batch records and committed transactions by path
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	switch req.Path {
	case models.QueryPathBatch:
		return app.queryBatch(req.Data), nil
	case models.QueryPathBatches:
		return app.queryBatches(), nil
	case models.QueryPathTx:
		return app.queryTx(req.Data), nil
	}
	return &abcitypes.QueryResponse{
		Code: models.CodeInvalidTx,
		Log:  fmt.Sprintf("unknown query path %q", req.Path),
	}, nil
}

func (app *Application) queryBatch(batchID []byte) *abcitypes.QueryResponse {
	if len(batchID) == 0 {
		return &abcitypes.QueryResponse{Code: models.CodeInvalidTx, Log: "empty batch id"}
	}

	resp := &abcitypes.QueryResponse{Key: models.BatchKey(string(batchID))}
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resp.Key)
		if err != nil {
			return err
		}
		resp.Value, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		resp.Code = models.CodeNotFound
		resp.Log = "batch does not exist"
	case err != nil:
		app.logger.Error("Error reading database, unable to execute query", "err", err)
		resp.Code = models.CodeStorageError
		resp.Log = fmt.Sprintf("Database error: %v", err)
	default:
		resp.Log = "exists"
	}
	return resp
}

func (app *Application) queryBatches() *abcitypes.QueryResponse {
	var records []*models.BatchRecord
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		var err error
		records, err = repository.ScanRecords(txn)
		return err
	})
	if err != nil {
		app.logger.Error("Error scanning batches", "err", err)
		return &abcitypes.QueryResponse{Code: models.CodeStorageError, Log: fmt.Sprintf("Database error: %v", err)}
	}
	if records == nil {
		records = []*models.BatchRecord{}
	}
	value, err := json.Marshal(records)
	if err != nil {
		return &abcitypes.QueryResponse{Code: models.CodeStorageError, Log: err.Error()}
	}
	return &abcitypes.QueryResponse{Value: value, Log: fmt.Sprintf("%d batches", len(records))}
}

// queryTx looks up a committed transaction by its hex hash
func (app *Application) queryTx(txHash []byte) *abcitypes.QueryResponse {
	resp := &abcitypes.QueryResponse{Key: append([]byte(txKeyPrefix), txHash...)}
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resp.Key)
		if err != nil {
			return err
		}
		resp.Value, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		resp.Code = models.CodeNotFound
		resp.Log = "Transaction not found"
	case err != nil:
		resp.Code = models.CodeStorageError
		resp.Log = fmt.Sprintf("Database error: %v", err)
	default:
		resp.Log = "committed"
	}
	return resp
}

// CheckTx implements the ABCI CheckTx method
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	if _, err := models.ParseTransaction(check.Tx); err != nil {
		return &abcitypes.CheckTxResponse{Code: models.CodeInvalidTx, Log: err.Error()}, nil
	}
	return &abcitypes.CheckTxResponse{Code: models.CodeOK}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal rejects blocks carrying transactions that do not parse.
// Workflow validity is decided per transaction in FinalizeBlock, where the
// effect of earlier transactions in the same block is visible.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, txBytes := range proposal.Txs {
		if _, err := models.ParseTransaction(txBytes); err != nil {
			app.logger.Info("Voted invalid", "height", proposal.Height, "err", err)
			return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT}, nil
}

// FinalizeBlock applies every append in the block to an uncommitted badger
// transaction that Commit persists.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		tx, err := models.ParseTransaction(txBytes)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{Code: models.CodeInvalidTx, Log: err.Error()}
			continue
		}
		txResults[i] = app.applyAppend(tx, txBytes, req)
		if app.config.LogAllTxs || txResults[i].Code != models.CodeOK {
			app.logger.Info("Applied tx", "height", req.Height, "batch", tx.BatchID,
				"event", tx.Event.ID, "code", txResults[i].Code, "log", txResults[i].Log)
		}
	}

	appHash := calculateAppHash(app.lastAppHash(), txResults)

	if err := app.onGoingBlock.Set([]byte(keyLastBlockHeight), int64ToBytes(req.Height)); err != nil {
		return nil, fmt.Errorf("store block height: %w", err)
	}
	if err := app.onGoingBlock.Set([]byte(keyLastAppHash), appHash); err != nil {
		return nil, fmt.Errorf("store app hash: %w", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// applyAppend validates one append against the batch as this block left it
// and writes the extended record.
func (app *Application) applyAppend(tx *models.Transaction, rawTx []byte, req *abcitypes.FinalizeBlockRequest) *abcitypes.ExecTxResult {
	txID := hex.EncodeToString(cmttypes.Tx(rawTx).Hash())

	rec, err := repository.ReadRecord(app.onGoingBlock, tx.BatchID)
	if errors.Is(err, repository.ErrNotFound) {
		rec = &models.BatchRecord{ID: tx.BatchID}
	} else if err != nil {
		return &abcitypes.ExecTxResult{Code: models.CodeStorageError, Log: err.Error()}
	}

	for _, e := range rec.Events {
		if e.ID == tx.Event.ID {
			return &abcitypes.ExecTxResult{Code: models.CodeOK, Data: []byte(txID), Log: models.DuplicateLog}
		}
	}

	if app.config.EnforceTransitions {
		if rejection := validateAppend(rec, tx.Event); rejection != nil {
			return &abcitypes.ExecTxResult{Code: models.CodeRejected, Log: rejection.Error()}
		}
	}

	rec.Append(tx.Event, req.Time.UTC())
	data, err := models.EncodeRecord(rec)
	if err != nil {
		return &abcitypes.ExecTxResult{Code: models.CodeStorageError, Log: err.Error()}
	}
	if err := app.onGoingBlock.Set(models.BatchKey(tx.BatchID), data); err != nil {
		return &abcitypes.ExecTxResult{Code: models.CodeStorageError, Log: fmt.Sprintf("Database error: %v", err)}
	}
	if err := app.onGoingBlock.Set([]byte(txKeyPrefix+txID), rawTx); err != nil {
		return &abcitypes.ExecTxResult{Code: models.CodeStorageError, Log: fmt.Sprintf("Database error: %v", err)}
	}

	events := []abcitypes.Event{
		{
			Type: "batch_append",
			Attributes: []abcitypes.EventAttribute{
				{Key: "batch_id", Value: tx.BatchID, Index: true},
				{Key: "event_id", Value: tx.Event.ID, Index: true},
				{Key: "event_type", Value: string(tx.Event.Type), Index: true},
				{Key: "status", Value: string(rec.Status), Index: true},
				{Key: "origin_node", Value: tx.OriginNode, Index: true},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:   models.CodeOK,
		Data:   []byte(txID),
		Log:    string(rec.Status),
		Events: events,
	}
}

// validateAppend applies the portal rules to an event arriving through
// consensus. A Collection may only open a batch.
func validateAppend(rec *models.BatchRecord, event workflow.Event) *workflow.Rejection {
	batch := rec.ToWorkflow()
	current := workflow.DeriveStatus(batch.Events)

	if event.Type == workflow.EventCollection {
		if len(batch.Events) > 0 {
			return &workflow.Rejection{
				Kind:          workflow.RejectAlreadyActed,
				Reason:        "batch already collected",
				CurrentStatus: current,
			}
		}
		return nil
	}

	role, ok := workflow.RoleFor(event.Type)
	if !ok || len(batch.Events) == 0 {
		return &workflow.Rejection{
			Kind:          workflow.RejectNoTransition,
			Reason:        "no allowed transition",
			CurrentStatus: current,
		}
	}
	if _, rejection := workflow.ValidateSubmission(*batch, role, event.Details); rejection != nil {
		return rejection
	}
	// a backdated event would sort below the history and never move the status
	if newest := batch.NewestEventTime(); event.Timestamp.Before(newest) {
		return &workflow.Rejection{
			Kind:          workflow.RejectNoTransition,
			Reason:        fmt.Sprintf("no allowed transition: event dated %s predates batch history at %s", event.Timestamp.Format(time.RFC3339), newest.Format(time.RFC3339)),
			CurrentStatus: current,
		}
	}
	return nil
}

// Commit persists the block applied by FinalizeBlock
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	err := app.onGoingBlock.Commit()
	app.onGoingBlock = nil
	if err != nil {
		app.logger.Error("Error committing block", "err", err)
		return nil, fmt.Errorf("commit block: %w", err)
	}
	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// lastAppHash reads the committed app hash; the ongoing block has not
// overwritten it yet.
func (app *Application) lastAppHash() []byte {
	var prev []byte
	_ = app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastAppHash))
		if err != nil {
			return nil
		}
		prev, err = item.ValueCopy(nil)
		return err
	})
	return prev
}

// calculateAppHash chains the previous hash with this block's results, so
// equal replicas always agree on it.
func calculateAppHash(prev []byte, txResults []*abcitypes.ExecTxResult) []byte {
	h := sha256.New()
	h.Write(prev)
	for _, result := range txResults {
		var code [4]byte
		binary.BigEndian.PutUint32(code[:], result.Code)
		h.Write(code[:])
		h.Write(result.Data)
	}
	return h.Sum(nil)
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
