package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ahmadzakiakmal/herbtrace/app"
	"github.com/ahmadzakiakmal/herbtrace/config"
	"github.com/ahmadzakiakmal/herbtrace/repository"
	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

// ledgerNode is a running CometBFT node with the batch application and the
// store that writes through it.
type ledgerNode struct {
	node   *nm.Node
	db     *badger.DB
	store  *repository.LedgerStore
	logger cmtlog.Logger
}

func startLedger(c *config.Config, logger cmtlog.Logger) (*ledgerNode, error) {
	homeDir := c.CometBFT.Home
	nodeConfig := cfg.DefaultConfig()
	nodeConfig.SetRoot(homeDir)

	// The node reads its own config.toml, separate from the portal config
	nv := viper.New()
	nv.SetConfigFile(filepath.Join(homeDir, "config", "config.toml"))
	if err := nv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading node config: %w", err)
	}
	if err := nv.Unmarshal(nodeConfig); err != nil {
		return nil, fmt.Errorf("decoding node config: %w", err)
	}
	if err := nodeConfig.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid node configuration: %w", err)
	}

	badgerPath := c.Badger.Path
	if badgerPath == "" {
		badgerPath = filepath.Join(homeDir, "badger")
	}
	db, err := repository.OpenBadger(badgerPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	appConfig := &app.AppConfig{
		NodeID:             filepath.Base(homeDir), // Use directory name until the node key is loaded
		EnforceTransitions: c.Ledger.EnforceTransitions,
		LogAllTxs:          true,
	}
	application := app.NewABCIApplication(db, appConfig, logger.With("module", "abci"))

	// Private Validator
	pv := privval.LoadFilePV(
		nodeConfig.PrivValidatorKeyFile(),
		nodeConfig.PrivValidatorStateFile(),
	)

	// P2P network identity
	nodeKey, err := p2p.LoadNodeKey(nodeConfig.NodeKeyFile())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load node's key: %w", err)
	}

	nodeLogger, err := cmtflags.ParseLogLevel(nodeConfig.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	node, err := nm.NewNode(
		context.Background(),
		nodeConfig,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(application),
		nm.DefaultGenesisDocProviderFunc(nodeConfig),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(nodeConfig.Instrumentation),
		nodeLogger,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating node: %w", err)
	}

	nodeID := string(node.NodeInfo().ID())
	application.SetNodeID(nodeID)

	if err := node.Start(); err != nil {
		db.Close()
		return nil, fmt.Errorf("starting node: %w", err)
	}
	logger.Info("CometBFT node started", "node_id", nodeID, "home", homeDir)

	return &ledgerNode{
		node:   node,
		db:     db,
		store:  repository.NewLedgerStore(cmtrpc.New(node), nodeID, logger.With("module", "ledger")),
		logger: logger,
	}, nil
}

func (l *ledgerNode) Stop() {
	if err := l.node.Stop(); err != nil {
		l.logger.Error("Stopping node", "err", err)
	}
	l.node.Wait()
	if err := l.db.Close(); err != nil {
		l.logger.Error("Closing database", "err", err)
	}
}
