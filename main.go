package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/Rhymond/go-money"
	"github.com/dnldd/finboard/database"
	"github.com/dnldd/finboard/fetch"
	"github.com/dnldd/finboard/proxy"
	"github.com/dnldd/finboard/service"
	"github.com/dnldd/finboard/shared"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

// formatPrice renders the provided amount in the provided currency.
func formatPrice(amount float64, currency string) string {
	if currency == "" {
		currency = shared.USD
	}

	return money.NewFromFloat(amount, currency).Display()
}

// printQuotes writes the provided quotes as a table.
func printQuotes(w io.Writer, quotes []shared.Quote) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tNAME\tPRICE\tCHANGE\tCHANGE %\tVOLUME")
	for _, q := range quotes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f%%\t%d\n", q.Symbol, q.Name,
			formatPrice(q.Price, q.Currency), formatPrice(q.Change, q.Currency), q.ChangePercent, q.Volume)
	}

	return tw.Flush()
}

// newDashboard creates the dashboard service from the provided config.
func newDashboard(ctx context.Context, cfg *Config) (*service.Dashboard, error) {
	dashCfg := &service.DashboardConfig{
		AlphaVantageKey: cfg.AlphaVantageKey,
		ProxyURL:        cfg.ProxyURL,
		FinnhubToken:    cfg.FinnhubKey,
		PollInterval:    cfg.PollInterval,
	}

	if cfg.DBURL != "" {
		dbLogger := zlog.With().Str("component", "database").Logger()
		db, err := database.NewDatabase(ctx, &database.DatabaseConfig{
			Endpoint: cfg.DBURL,
			User:     cfg.DBUser,
			Pass:     cfg.DBPass,
			Logger:   &dbLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating database: %w", err)
		}
		dashCfg.Store = db
	}

	return service.NewDashboard(dashCfg)
}

// newRootCmd creates the finboard command tree.
func newRootCmd(ctx context.Context, cancel context.CancelFunc) (*cobra.Command, error) {
	var cfg Config

	root := &cobra.Command{
		Use:           "finboard",
		Short:         "Market data for the personal finance dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := cfg.Validate()
			if err != nil {
				return fmt.Errorf("validating config: %w", err)
			}

			if cfg.LogLevel != "" {
				level, err := zerolog.ParseLevel(cfg.LogLevel)
				if err != nil {
					return err
				}
				zerolog.SetGlobalLevel(level)
			}

			return nil
		},
	}

	err := loadConfig(&cfg, root.PersistentFlags(), "")
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the indian equity and mutual fund endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen := cfg.Listen
			if listen == "" {
				listen = defaultListen
			}

			apiKey := cfg.AlphaVantageKey
			if apiKey == "" {
				apiKey = "demo"
			}

			logger := zlog.With().Str("service", "proxy").Logger()
			serverCfg, err := proxy.NewUpstreamServerConfig(listen, &proxy.UpstreamConfig{
				AlphaVantageKey: apiKey,
				AlphaVantageURL: fetch.AlphaVantageURL,
				YahooURL:        fetch.YahooURL,
				MFAPIURL:        fetch.MFAPIURL,
			}, &logger)
			if err != nil {
				return err
			}

			srv, err := proxy.NewServer(serverCfg)
			if err != nil {
				return err
			}

			return srv.Run(ctx)
		},
	}

	quoteCmd := &cobra.Command{
		Use:   "quote SYMBOL...",
		Short: "Fetch quotes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dash, err := newDashboard(ctx, &cfg)
			if err != nil {
				return err
			}

			market := cfg.MarketType()
			quotes := make([]shared.Quote, 0, len(args))
			for _, sym := range args {
				q, err := dash.FetchQuote(ctx, sym, market)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", sym, err)
					continue
				}
				quotes = append(quotes, q)
			}

			return printQuotes(cmd.OutOrStdout(), quotes)
		},
	}

	chartCmd := &cobra.Command{
		Use:   "chart SYMBOL",
		Short: "Fetch the historical series of a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dash, err := newDashboard(ctx, &cfg)
			if err != nil {
				return err
			}

			interval, err := shared.ParseInterval(cfg.Interval)
			if err != nil {
				return err
			}

			market := cfg.MarketType()
			currency := market.Currency()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
			for _, p := range dash.FetchChartData(ctx, args[0], interval, market) {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", p.Date, formatPrice(p.Open, currency),
					formatPrice(p.High, currency), formatPrice(p.Low, currency),
					formatPrice(p.Close, currency), p.Volume)
			}

			return tw.Flush()
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search symbols",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dash, err := newDashboard(ctx, &cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tNAME\tTYPE\tMARKET")
			for _, res := range dash.Search(ctx, strings.Join(args, " "), cfg.MarketType()) {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Symbol, res.Name, res.Type, res.MarketType)
			}

			return tw.Flush()
		},
	}

	gainersCmd := &cobra.Command{
		Use:   "gainers",
		Short: "Fetch the top gaining equities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash, err := newDashboard(ctx, &cfg)
			if err != nil {
				return err
			}

			return printQuotes(cmd.OutOrStdout(), dash.FetchMarketGainers(ctx))
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream and poll quotes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash, err := newDashboard(ctx, &cfg)
			if err != nil {
				return err
			}

			market := cfg.MarketType()
			symbols := cfg.Symbols
			if len(symbols) == 0 {
				symbols = market.DefaultSymbols()
			}

			out := cmd.OutOrStdout()
			stop := dash.Watch(ctx, symbols, market, func(q shared.Quote) {
				fmt.Fprintf(out, "%s %s %s (%.2f%%)\n", q.Symbol, formatPrice(q.Price, q.Currency),
					formatPrice(q.Change, q.Currency), q.ChangePercent)
			})
			defer stop()

			dash.Run(ctx)
			cancel()

			return nil
		},
	}

	root.AddCommand(serveCmd, quoteCmd, chartCmd, searchCmd, gainersCmd, watchCmd)

	return root, nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleTermination(ctx, cancel)

	root, err := newRootCmd(ctx, cancel)
	if err != nil {
		log.Printf("creating commands: %v", err)
		return
	}

	err = root.ExecuteContext(ctx)
	if err != nil {
		log.Printf("%v", err)
		cancel()
		os.Exit(1)
	}
}
