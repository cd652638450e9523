// Command wallet_check prints the valued portfolio and recent history of one
// wallet, optionally following it as balances change.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/wallet-dashboard/internal/chain"
	"github.com/wallet-dashboard/internal/config"
	"github.com/wallet-dashboard/internal/explorer"
	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/portfolio"
	"github.com/wallet-dashboard/internal/price"
	"github.com/wallet-dashboard/internal/types"
)

func main() {
	app := &cli.App{
		Name:  "wallet_check",
		Usage: "show the token portfolio and recent activity of a wallet",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Aliases: []string{"a"}, Required: true, Usage: "wallet address (0x...)"},
			&cli.StringFlag{Name: "chain", Aliases: []string{"c"}, Value: "ethereum", Usage: "chain name or numeric id"},
			&cli.StringFlag{Name: "rpc", Usage: "RPC URL, overrides <CHAIN>_RPC_PRIMARY"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: explorer.DefaultActivityLimit, Usage: "activity entries to show"},
			&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "keep running and print every refreshed portfolio"},
			&cli.StringFlag{Name: "log-level", Value: "warn", EnvVars: []string{"LOG_LEVEL"}},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logging.InitGlobalLogger(logging.ParseLogLevel(c.String("log-level")), logging.FormatText)
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	address := c.String("address")
	if !types.IsAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}

	network, err := resolveNetwork(c.String("chain"))
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	primary := cfg.Chains.Chains[network.ChainID].RPCPrimary
	secondary := cfg.Chains.Chains[network.ChainID].RPCSecondary
	if rpc := c.String("rpc"); rpc != "" {
		primary, secondary = rpc, ""
	}
	if primary == "" {
		return fmt.Errorf("no RPC endpoint for %s: set %s_RPC_PRIMARY or --rpc", network.Name, network.EnvPrefix())
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := chain.Dial(ctx, primary, secondary)
	if err != nil {
		return fmt.Errorf("dial %s: %w", network.Name, err)
	}
	defer backend.Close()

	reader := chain.NewReader(network.ChainID, backend, chain.WithConcurrency(cfg.Portfolio.LookupConcurrency), chain.WithLogger(logger))
	explorerClient := explorer.NewClient(explorer.ClientConfig{
		Explorers:         cfg.Explorers,
		Timeout:           cfg.Explorer.Timeout,
		RequestsPerSecond: cfg.Explorer.RequestsPerSecond,
		Logger:            logger,
	})
	aggregator := portfolio.NewAggregator(explorerClient, portfolio.ReadersFromRegistry(chain.NewRegistry(reader)),
		price.NewResolver(cfg.Price.BaseURL, cfg.Price.Timeout, nil, logger), logger)

	wallet := portfolio.Wallet{Address: address, ChainID: network.ChainID, Connected: true}
	out := c.App.Writer

	if !c.Bool("watch") {
		snap, err := portfolio.NewTracker(aggregator, wallet).Refresh(ctx)
		if err != nil {
			return err
		}
		printPortfolio(out, network, snap)
		printHistory(ctx, out, explorerClient, wallet, c.Int("limit"))
		return nil
	}

	tracker := portfolio.NewTracker(aggregator, wallet, portfolio.OnCommit(func(snap *portfolio.Snapshot) {
		printPortfolio(out, network, snap)
	}))
	fmt.Fprintf(out, "Watching %s on %s (refresh %s, native poll %s). Ctrl+C to stop.\n",
		address, network.Name, cfg.Portfolio.RefreshInterval, cfg.Portfolio.NativePollInterval)
	tracker.Run(ctx, cfg.Portfolio.RefreshInterval, cfg.Portfolio.NativePollInterval)

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func resolveNetwork(s string) (config.Network, error) {
	if n, ok := config.NetworkByName(s); ok {
		return n, nil
	}
	if id, err := types.ParseChainID(s); err == nil {
		if n, ok := config.LookupNetwork(id); ok {
			return n, nil
		}
	}
	return config.Network{}, fmt.Errorf("unsupported chain %q", s)
}

func printPortfolio(out io.Writer, network config.Network, snap *portfolio.Snapshot) {
	fmt.Fprintf(out, "\n%s on %s at %s\n", snap.Wallet.Address, network.Name, snap.UpdatedAt.Format(time.RFC3339))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SYMBOL\tBALANCE\tPRICE (USD)\tVALUE (USD)\t")
	for _, tok := range snap.Tokens {
		symbol := tok.Symbol
		if tok.IsNative {
			symbol += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", symbol, tok.Balance.StringFixed(6), tok.Price.StringFixed(4), tok.Value.StringFixed(2))
	}
	fmt.Fprintf(tw, "TOTAL\t\t\t%s\t\n", snap.TotalValue.StringFixed(2))
	_ = tw.Flush()
}

func printHistory(ctx context.Context, out io.Writer, client *explorer.Client, w portfolio.Wallet, limit int) {
	if !client.Supports(w.ChainID) {
		fmt.Fprintln(out, "\nNo explorer configured for this chain, skipping history")
		return
	}

	fmt.Fprintln(out, "\nRecent activity")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tTOKEN\tFROM\tTO\tRAW VALUE\tSTATUS\tLINK")
	for _, a := range client.RecentActivity(ctx, w.Address, w.ChainID, limit) {
		when := "-"
		if sec, err := strconv.ParseInt(a.TimeStamp, 10, 64); err == nil {
			when = time.Unix(sec, 0).UTC().Format(time.RFC3339)
		}
		token := config.NativeSymbol(w.ChainID)
		if a.Kind == types.ActivityTokenTransfer {
			token = a.TokenSymbol
		}
		status := "ok"
		if a.Failed {
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", when, a.Kind, token, a.From, a.To, a.Value, status, a.ExplorerURL)
	}
	_ = tw.Flush()
}
