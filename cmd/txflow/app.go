package main

import (
	"fmt"

	"github.com/R3E-Network/txflow/internal/config"
	"github.com/R3E-Network/txflow/internal/engine/events"
	"github.com/R3E-Network/txflow/internal/engine/metrics"
	"github.com/R3E-Network/txflow/internal/ledger"
	"github.com/R3E-Network/txflow/internal/ledger/neo"
	"github.com/R3E-Network/txflow/internal/ledger/simulated"
	"github.com/R3E-Network/txflow/internal/logging"
	"github.com/R3E-Network/txflow/internal/procedure"
	"github.com/R3E-Network/txflow/internal/procedures/assets"
)

// app is the wired daemon: one ledger adapter, one signer and the shared
// observability sinks.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	collector *metrics.Collector
	events    *events.RingBuffer
	registry  *procedure.Registry
	ledger    ledger.Ledger
	signer    ledger.Signer

	// sim is set when the ledger is the in-memory one.
	sim *simulated.Ledger
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logging.New("txflow", cfg.Log),
		collector: metrics.NewCollector(cfg.Metrics.Namespace),
		events:    events.NewRingBuffer(cfg.Engine.EventBuffer),
		registry:  assets.Register(procedure.NewRegistry()),
	}

	switch cfg.Ledger.Kind {
	case config.LedgerSimulated:
		a.sim = simulated.New()
		a.ledger = a.sim
		a.signer = simulated.NewAccount(cfg.Signer.Account)
	case config.LedgerNeo:
		client, err := neo.NewClient(neo.ClientConfig{
			RPCURL:    cfg.Ledger.RPCURL,
			RateLimit: cfg.Ledger.RateLimit,
			Burst:     cfg.Ledger.Burst,
		})
		if err != nil {
			return nil, err
		}
		l, err := neo.New(client, neo.Config{
			Magic:              cfg.Ledger.NetworkMagic,
			Contracts:          cfg.Ledger.Contracts,
			PermissionContract: cfg.Ledger.PermissionContract,
			PollInterval:       cfg.Ledger.PollInterval,
			ValidUntilBlocks:   cfg.Ledger.ValidUntilBlocks,
		})
		if err != nil {
			return nil, err
		}
		key, err := cfg.SignerKey()
		if err != nil {
			return nil, err
		}
		signer, err := neo.NewSigner(key)
		if err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
		a.ledger = l
		a.signer = signer
	default:
		return nil, fmt.Errorf("unknown ledger kind %q", cfg.Ledger.Kind)
	}

	a.logger.WithFields(map[string]interface{}{
		"ledger":     cfg.Ledger.Kind,
		"signer":     a.signer.Address(),
		"procedures": a.registry.Names(),
		"policy":     cfg.Policy().String(),
	}).Info("txflow initialized")
	return a, nil
}

// env returns the procedure environment for the configured signer.
func (a *app) env() procedure.Env {
	return procedure.Env{
		Signer:   a.signer,
		Ledger:   a.ledger,
		Codec:    assets.Codec(),
		Registry: a.registry,
		Logger:   a.logger.Named("engine"),
		Events:   a.events,
		Metrics:  a.collector,
		Options:  a.cfg.TransactionOptions(),
		Policy:   a.cfg.Policy(),
	}
}
