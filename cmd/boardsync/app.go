package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/boardsync/config"
	"github.com/hazyhaar/boardsync/idgen"
	"github.com/hazyhaar/boardsync/localstore"
	"github.com/hazyhaar/boardsync/peer"
	"github.com/hazyhaar/boardsync/remote"
	"github.com/hazyhaar/boardsync/replica"
)

// app holds what every subcommand needs: configuration, logger, the opened
// local store and the resolved client id.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    localstore.Store
	slot     *localstore.Slot
	clientID string
}

func openApp(cmd *cobra.Command, flags *rootFlags) (*app, error) {
	cfg, err := config.LoadConfigFile(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	for _, w := range cfg.Warnings {
		logger.Warn("boardsync: config", "warning", w)
	}

	store, err := localstore.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID, err = localstore.ClientID(cmd.Context(), store, idgen.Client)
		if err != nil && clientID == "" {
			store.Close()
			return nil, fmt.Errorf("client id: %w", err)
		}
		if err != nil {
			logger.Warn("boardsync: client id not persisted", "error", err)
		}
	}

	return &app{
		cfg:      cfg,
		logger:   logger.With("client_id", clientID),
		store:    store,
		slot:     localstore.NewSlot(store, logger),
		clientID: clientID,
	}, nil
}

// engine builds and opens a replica wired to the configured transports.
func (a *app) engine(ctx context.Context, extra ...replica.Option) (*replica.Engine, error) {
	opts := []replica.Option{
		replica.WithClientID(a.clientID),
		replica.WithLogger(a.logger),
		replica.WithPollInterval(a.cfg.PollInterval),
		replica.WithDebounce(a.cfg.Debounce),
		replica.WithWriteTimeout(a.cfg.WriteTimeout),
	}
	e := replica.New(a.slot,
		peer.Open(a.cfg.Peer, a.clientID, a.logger),
		remote.Open(a.cfg.Remote, a.clientID, a.logger),
		append(opts, extra...)...)
	if err := e.Open(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (a *app) Close() error { return a.store.Close() }
