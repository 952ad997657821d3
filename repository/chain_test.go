package repository_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/app"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

// localChain commits every broadcast transaction in its own block by
// driving the ABCI application directly.
type localChain struct {
	mu     sync.Mutex
	app    *app.Application
	height int64
	down   atomic.Bool
	delay  atomic.Int64
}

func newLocalChain(t *testing.T) *localChain {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &localChain{
		app: app.NewABCIApplication(db, &app.AppConfig{NodeID: "node-0", EnforceTransitions: true}, cmtlog.NewNopLogger()),
	}
}

func (c *localChain) wait(ctx context.Context) error {
	if d := time.Duration(c.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.down.Load() {
		return errors.New("dial tcp 127.0.0.1:26657: connect: connection refused")
	}
	return nil
}

func (c *localChain) BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	check, err := c.app.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: tx})
	if err != nil {
		return nil, err
	}
	if check.Code != 0 {
		return &cmtrpctypes.ResultBroadcastTxCommit{CheckTx: *check, Hash: tx.Hash()}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.height++
	block, err := c.app.FinalizeBlock(ctx, &abcitypes.FinalizeBlockRequest{
		Txs:    [][]byte{tx},
		Height: c.height,
		Time:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.app.Commit(ctx, &abcitypes.CommitRequest{}); err != nil {
		return nil, err
	}
	return &cmtrpctypes.ResultBroadcastTxCommit{
		CheckTx:  *check,
		TxResult: *block.TxResults[0],
		Hash:     tx.Hash(),
		Height:   c.height,
	}, nil
}

func (c *localChain) ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.app.Query(ctx, &abcitypes.QueryRequest{Path: path, Data: data})
	if err != nil {
		return nil, err
	}
	return &cmtrpctypes.ResultABCIQuery{Response: *resp}, nil
}

func (c *localChain) ABCIInfo(ctx context.Context) (*cmtrpctypes.ResultABCIInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.app.Info(ctx, &abcitypes.InfoRequest{})
	if err != nil {
		return nil, err
	}
	return &cmtrpctypes.ResultABCIInfo{Response: *resp}, nil
}
