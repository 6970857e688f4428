package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/R3E-Network/txflow/internal/config"
	"github.com/R3E-Network/txflow/internal/ledger/simulated"
	"github.com/R3E-Network/txflow/internal/procedure"
	"github.com/R3E-Network/txflow/internal/procedures/assets"
	"github.com/R3E-Network/txflow/internal/queue"
)

type demoReport struct {
	AssetID      int64             `json:"asset_id"`
	QueueID      string            `json:"queue_id"`
	Status       string            `json:"status"`
	Error        string            `json:"error,omitempty"`
	Transactions []queue.Summary   `json:"transactions"`
	Balances     map[string]string `json:"balances"`
}

// runDemo creates an asset and distributes it to two recipients on the
// simulated ledger, then writes the queue summary to w.
func runDemo(ctx context.Context, a *app, w io.Writer) error {
	if a.sim == nil {
		return fmt.Errorf("demo requires the %s ledger", config.LedgerSimulated)
	}
	signer := a.signer.Address()
	for _, p := range []string{assets.CreateCall.String(), assets.IssueCall.String()} {
		a.sim.Grant(signer, p, "", "")
	}

	recipients := []simulated.Account{simulated.NewAccount("bob"), simulated.NewAccount("carol")}
	args := assets.DistributeArgs{Symbol: "DEMO", Supply: 1000}
	for i, r := range recipients {
		args.To = append(args.To, assets.Allocation{To: r.Address(), Amount: int64(100 * (i + 1))})
	}

	proc, err := procedure.Lookup[assets.DistributeArgs, int64, struct{}](a.registry, assets.IssueAndDistributeName)
	if err != nil {
		return err
	}
	q, err := proc.Prepare(ctx, a.env(), args)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	id, runErr := q.Run(ctx)
	report := demoReport{
		AssetID:      id,
		QueueID:      q.ID(),
		Status:       q.Status().String(),
		Transactions: q.Transactions(),
		Balances:     map[string]string{},
	}
	if runErr != nil {
		report.Error = runErr.Error()
	} else {
		holders := append([]simulated.Account{simulated.NewAccount(a.cfg.Signer.Account)}, recipients...)
		for _, h := range holders {
			report.Balances[h.Name] = a.sim.Balance(id, h.Address()).String()
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}
