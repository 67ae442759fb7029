package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/quantrix-lab/stockdeck/internal/alert"
	"github.com/quantrix-lab/stockdeck/internal/config"
	"github.com/quantrix-lab/stockdeck/internal/export"
	"github.com/quantrix-lab/stockdeck/internal/livefeed"
	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/notify"
	"github.com/quantrix-lab/stockdeck/internal/pipeline"
	"github.com/quantrix-lab/stockdeck/internal/screener"
	"github.com/quantrix-lab/stockdeck/internal/store"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/internal/version"
	"github.com/quantrix-lab/stockdeck/internal/watch"
	"github.com/quantrix-lab/stockdeck/pkg/remote"
	"github.com/quantrix-lab/stockdeck/pkg/utils"
)

const dateLayout = "2006-01-02"

// app bundles the wired components every subcommand needs.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	client *remote.Client
	store  *store.Store
}

// setup loads config, builds the logger, client and store, and warns when
// the backend is unreachable or version-incompatible. Incompatibility is
// a warning, not an error: read-only commands still mostly work.
func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if cmd.Bool("verbose") {
		level = "debug"
	}

	log, err := logger.NewConsoleLogger(level)
	if err != nil {
		return nil, err
	}

	client := remote.NewClient(cfg.Backend, log)

	if report, err := client.Health(ctx); err != nil {
		log.Warn("backend health check failed", zap.Error(err))
	} else if err := version.CheckBackendCompatibility(version.GetVersion(), report.Version); err != nil {
		log.Warn("backend version mismatch", zap.Error(err))
	}

	db, err := store.New(cfg.Storage.Path, log)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, log: log, client: client, store: db}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store failed", zap.Error(err))
	}

	_ = a.log.Sync()
}

func parseIndicators(names []string) []types.Indicator {
	indicators := make([]types.Indicator, 0, len(names))
	for _, name := range names {
		indicators = append(indicators, types.Indicator(strings.ToLower(strings.TrimSpace(name))))
	}

	return indicators
}

func analyzeAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	req := types.AnalysisRequest{
		Ticker:      cmd.String("ticker"),
		Start:       cmd.Timestamp("start"),
		End:         cmd.Timestamp("end"),
		HorizonDays: int(cmd.Int("horizon")),
		Model:       types.ModelKind(strings.ToLower(cmd.String("model"))),
		Indicators:  parseIndicators(cmd.StringSlice("indicators")),
	}

	p := pipeline.NewPipeline(a.client, a.log, pipeline.Callbacks{
		OnStageStart: func(stage types.Stage, _ uint64) {
			fmt.Printf("... %s\n", stage)
		},
		OnStageError: func(stage types.Stage, _ uint64, err error) {
			fmt.Printf("    %s failed: %v\n", stage, err)
		},
	})

	result, runErr := p.Run(ctx, req)

	// Every accepted run lands in the history, failed ones included.
	snapshot := p.Snapshot()
	if snapshot.Version > 0 {
		if err := a.store.RecordRun(ctx, snapshot); err != nil {
			a.log.Warn("recording run failed", zap.Error(err))
		}
	}

	if runErr != nil {
		return runErr
	}

	printAnalysis(result)

	if path := cmd.String("export"); path != "" && result.Forecast != nil {
		if path == "auto" {
			path = export.DefaultFilename(result.Request.Ticker)
		}

		if err := export.ExportPredictions(path, result.Forecast); err != nil {
			return err
		}

		fmt.Printf("predictions written to %s\n", path)
	}

	return nil
}

func printAnalysis(result *types.AnalysisResult) {
	fmt.Printf("\n%s  %s to %s  (%d points)\n",
		result.Request.Ticker,
		result.Request.Start.Format(dateLayout),
		result.Request.End.Format(dateLayout),
		len(result.Series))

	if len(result.Series) > 0 {
		last := result.Series[len(result.Series)-1]
		fmt.Printf("last close: %.2f on %s\n", last.Close, last.Date.Format(dateLayout))
	}

	for name := range result.Indicators {
		fmt.Printf("indicator:  %s\n", name)
	}

	if f := result.Forecast; f != nil {
		fmt.Printf("forecast:   %d days, confidence %.1f%%", len(f.Forecast), f.Confidence)

		if rmse, ok := f.Metrics["rmse"]; ok {
			fmt.Printf(", rmse %.2f", rmse)
		}

		fmt.Println()

		if f.Trend != nil {
			fmt.Printf("trend:      %s (%.2f%%)\n", f.Trend.Direction, f.Trend.PercentChange)
		}
	}

	if advice, err := result.Advice.Take(); err == nil {
		fmt.Printf("advice:     %s (confidence %.0f%%, risk %.0f)\n",
			strings.ToUpper(string(advice.Signal)), advice.Confidence*100, advice.RiskScore)

		if advice.Summary != "" {
			fmt.Printf("            %s\n", advice.Summary)
		}
	}
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	tickers := cmd.Args().Slice()
	if len(tickers) == 0 {
		tickers, err = a.store.Watchlist(ctx)
		if err != nil {
			return err
		}
	}

	notifier := notify.Chain{}
	if a.cfg.Alerts.WebhookURL != "" {
		notifier = append(notifier, notify.NewWebhookNotifier(a.cfg.Alerts.WebhookURL, a.cfg.Backend.Timeout))
	}

	notifier = append(notifier, notify.NewLogNotifier(a.log))

	session := watch.NewSession(a.client, a.store, notifier, a.log, watch.Config{
		StreamingEnabled: !a.cfg.Feed.PollingPreferred && !cmd.Bool("poll"),
		PollInterval:     a.cfg.Feed.PollInterval,
	}, watch.Callbacks{
		OnTick: func(tick types.LiveTick) {
			fmt.Printf("%s  %-6s %10.2f\n", tick.Timestamp.Format("15:04:05"), tick.Ticker, tick.Price)
		},
		OnAlert: func(cond *alert.Condition, tick types.LiveTick) {
			fmt.Printf("ALERT %s %s %s at %.2f\n", cond.Ticker, cond.Kind, cond.Threshold, tick.Price)
		},
		OnStateChange: func(ticker string, _, to livefeed.FeedState) {
			a.log.Info("feed state", zap.String("ticker", ticker), zap.String("state", string(to)))
		},
	})

	fmt.Printf("watching %s (ctrl-c to stop)\n", strings.Join(tickers, ", "))

	return session.Run(ctx, tickers)
}

func screenAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	tickers := cmd.Args().Slice()
	if len(tickers) == 0 {
		tickers, err = a.store.Watchlist(ctx)
		if err != nil {
			return err
		}
	}

	filter := types.ScreenFilter{
		MinPrice:     cmd.Float("min-price"),
		MaxPrice:     cmd.Float("max-price"),
		MinAvgVolume: cmd.Float("min-volume"),
		MinRSI:       cmd.Float("min-rsi"),
		MaxRSI:       cmd.Float("max-rsi"),
	}

	s := screener.New(a.client, a.log, screener.Config{
		BatchSize:         a.cfg.Screener.BatchSize,
		RequestsPerSecond: a.cfg.Screener.RequestsPerSecond,
		ShowProgress:      true,
	})

	results, err := s.Run(ctx, tickers, filter)
	if err != nil {
		return err
	}

	matches := 0

	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Printf("%-8s error: %s\n", r.Ticker, r.Error)
		case r.Match:
			matches++
			fmt.Printf("%-8s MATCH", r.Ticker)

			if price, ok := r.Metrics["price"]; ok {
				fmt.Printf("  price %.2f", price)
			}

			fmt.Println()
		}
	}

	fmt.Printf("%d of %d tickers matched\n", matches, len(results))

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := rootCommand()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "stockdeck",
		Usage:   "Market data dashboard client",
		Version: version.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "stockdeck.yaml",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			analyzeCommand(),
			watchCommand(),
			screenCommand(),
			alertsCommand(),
			watchlistCommand(),
			runsCommand(),
			schemaCommand(),
		},
	}
}

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "Run a full analysis for one ticker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "ticker",
				Aliases:  []string{"t"},
				Usage:    "Stock ticker symbol",
				Required: true,
			},
			&cli.TimestampFlag{
				Name:     "start",
				Aliases:  []string{"s"},
				Usage:    "Start date in `YYYY-MM-DD` format",
				Required: true,
				Config: cli.TimestampConfig{
					Layouts: []string{dateLayout},
				},
			},
			&cli.TimestampFlag{
				Name:    "end",
				Aliases: []string{"e"},
				Usage:   "End date in `YYYY-MM-DD` format. Defaults to today.",
				Value:   time.Now(),
				Config: cli.TimestampConfig{
					Layouts: []string{dateLayout},
				},
			},
			&cli.IntFlag{
				Name:  "horizon",
				Usage: "Forecast horizon in days",
				Value: 30,
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Forecast model (arima, sarima)",
				Value: "arima",
			},
			&cli.StringSliceFlag{
				Name:    "indicators",
				Aliases: []string{"i"},
				Usage:   "Indicators to compute (sma, ema, rsi, macd, bollinger)",
			},
			&cli.StringFlag{
				Name:  "export",
				Usage: "Write predictions CSV to this path ('auto' for <TICKER>_predictions.csv)",
			},
		},
		Action: analyzeAction,
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Watch live prices and fire armed alerts",
		ArgsUsage: "[tickers...] (defaults to the watchlist)",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "poll",
				Usage: "Skip streaming and poll at the configured interval",
			},
		},
		Action: watchAction,
	}
}

func screenCommand() *cli.Command {
	return &cli.Command{
		Name:      "screen",
		Usage:     "Screen tickers against filter criteria",
		ArgsUsage: "[tickers...] (defaults to the watchlist)",
		Flags: []cli.Flag{
			&cli.FloatFlag{Name: "min-price", Usage: "Minimum price"},
			&cli.FloatFlag{Name: "max-price", Usage: "Maximum price"},
			&cli.FloatFlag{Name: "min-volume", Usage: "Minimum average volume"},
			&cli.FloatFlag{Name: "min-rsi", Usage: "Minimum RSI"},
			&cli.FloatFlag{Name: "max-rsi", Usage: "Maximum RSI"},
		},
		Action: screenAction,
	}
}

func alertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "alerts",
		Usage: "Manage alert conditions",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add an armed alert condition",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "ticker",
						Aliases:  []string{"t"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "kind",
						Usage:    "Condition kind: above or below",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "threshold",
						Usage:    "Price threshold",
						Required: true,
					},
				},
				Action: alertAddAction,
			},
			{
				Name:   "list",
				Usage:  "List all alert conditions",
				Action: alertListAction,
			},
			{
				Name:      "arm",
				Usage:     "Re-arm a fired condition",
				ArgsUsage: "<condition-id>",
				Action:    func(ctx context.Context, cmd *cli.Command) error { return alertSetArmed(ctx, cmd, true) },
			},
			{
				Name:      "disarm",
				Usage:     "Disarm a condition",
				ArgsUsage: "<condition-id>",
				Action:    func(ctx context.Context, cmd *cli.Command) error { return alertSetArmed(ctx, cmd, false) },
			},
			{
				Name:      "rm",
				Usage:     "Delete a condition",
				ArgsUsage: "<condition-id>",
				Action:    alertRemoveAction,
			},
		},
	}
}

func watchlistCommand() *cli.Command {
	return &cli.Command{
		Name:  "watchlist",
		Usage: "Manage the watchlist",
		Commands: []*cli.Command{
			{
				Name:      "add",
				ArgsUsage: "<tickers...>",
				Action:    watchlistAddAction,
			},
			{
				Name:      "rm",
				ArgsUsage: "<tickers...>",
				Action:    watchlistRemoveAction,
			},
			{
				Name:   "show",
				Action: watchlistShowAction,
			},
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Show recent analysis runs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of runs to show",
				Value: 20,
			},
		},
		Action: runsAction,
	}
}

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Print the JSON schema of the config file",
		Action: func(_ context.Context, _ *cli.Command) error {
			schema, err := utils.ToJSONSchema[config.Config]()
			if err != nil {
				return err
			}

			fmt.Println(schema)

			return nil
		},
	}
}

func alertAddAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	threshold, err := decimal.NewFromString(cmd.String("threshold"))
	if err != nil {
		return fmt.Errorf("invalid threshold %q: %w", cmd.String("threshold"), err)
	}

	cond, err := alert.NewCondition(cmd.String("ticker"), alert.Kind(strings.ToLower(cmd.String("kind"))), threshold)
	if err != nil {
		return err
	}

	if err := a.store.SaveCondition(ctx, cond); err != nil {
		return err
	}

	fmt.Printf("added %s: %s %s %s\n", cond.ID, cond.Ticker, cond.Kind, cond.Threshold)

	return nil
}

func alertListAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	conditions, err := a.store.ListConditions(ctx)
	if err != nil {
		return err
	}

	if len(conditions) == 0 {
		fmt.Println("no alert conditions")
		return nil
	}

	for _, cond := range conditions {
		status := "armed"
		if !cond.Armed {
			status = "disarmed"

			if firedAt, err := cond.FiredAt.Take(); err == nil {
				status = fmt.Sprintf("fired %s", firedAt.Format(time.RFC3339))
			}
		}

		fmt.Printf("%s  %-6s %-5s %10s  %s\n", cond.ID, cond.Ticker, cond.Kind, cond.Threshold, status)
	}

	return nil
}

func conditionID(cmd *cli.Command) (uuid.UUID, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return uuid.Nil, fmt.Errorf("condition id required")
	}

	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid condition id %q: %w", arg, err)
	}

	return id, nil
}

func alertSetArmed(ctx context.Context, cmd *cli.Command, armed bool) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := conditionID(cmd)
	if err != nil {
		return err
	}

	if err := a.store.SetArmed(ctx, id, armed, optional.None[time.Time]()); err != nil {
		return err
	}

	if armed {
		fmt.Printf("re-armed %s\n", id)
	} else {
		fmt.Printf("disarmed %s\n", id)
	}

	return nil
}

func alertRemoveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := conditionID(cmd)
	if err != nil {
		return err
	}

	if err := a.store.DeleteCondition(ctx, id); err != nil {
		return err
	}

	fmt.Printf("removed %s\n", id)

	return nil
}

func watchlistAddAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	for _, ticker := range cmd.Args().Slice() {
		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		if ticker == "" {
			continue
		}

		if err := a.store.AddToWatchlist(ctx, ticker); err != nil {
			return err
		}

		fmt.Printf("added %s\n", ticker)
	}

	return nil
}

func watchlistRemoveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	for _, ticker := range cmd.Args().Slice() {
		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		if ticker == "" {
			continue
		}

		if err := a.store.RemoveFromWatchlist(ctx, ticker); err != nil {
			return err
		}

		fmt.Printf("removed %s\n", ticker)
	}

	return nil
}

func watchlistShowAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	tickers, err := a.store.Watchlist(ctx)
	if err != nil {
		return err
	}

	if len(tickers) == 0 {
		fmt.Println("watchlist is empty")
		return nil
	}

	for _, ticker := range tickers {
		fmt.Println(ticker)
	}

	return nil
}

func runsAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.store.RecentRuns(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}

	for _, rec := range records {
		line := fmt.Sprintf("%s  %-6s %s..%s %-6s h=%-3d %s",
			rec.CreatedAt.Format("2006-01-02 15:04"),
			rec.Ticker,
			rec.Start.Format(dateLayout),
			rec.End.Format(dateLayout),
			rec.Model,
			rec.HorizonDays,
			rec.Status)

		if rmse, err := rec.RMSE.Take(); err == nil {
			line += fmt.Sprintf("  rmse=%.2f", rmse)
		}

		if rec.Err != "" {
			line += "  " + rec.Err
		}

		fmt.Println(line)
	}

	return nil
}
