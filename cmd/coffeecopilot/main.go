package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjohnsto-nz/CoffeeCopilot/config"
	"github.com/cjohnsto-nz/CoffeeCopilot/enhance"
	"github.com/cjohnsto-nz/CoffeeCopilot/models"
	"github.com/cjohnsto-nz/CoffeeCopilot/pipeline"
	"github.com/cjohnsto-nz/CoffeeCopilot/recommend"
	"github.com/cjohnsto-nz/CoffeeCopilot/scraper"
	"github.com/cjohnsto-nz/CoffeeCopilot/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "scrape":
		err = runScrape(os.Args[2:])
	case "enhance":
		err = runEnhance(os.Args[2:])
	case "recommend":
		err = runRecommend(os.Args[2:])
	case "orders":
		err = runOrders(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `coffeecopilot - personal coffee recommendation pipeline

Usage:
  coffeecopilot scrape     [flags]   Crawl roaster storefronts into the catalog
  coffeecopilot enhance    [flags]   Extract attributes for unenhanced products
  coffeecopilot recommend  [flags]   Print a ranked recommendation list
  coffeecopilot orders add [flags]   Record a purchase
  coffeecopilot orders list          List recorded purchases

Run 'coffeecopilot <command> -h' for command flags.
`)
}

// setup loads configuration and installs the default logger.
func setup(configPath string, verbose bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runScrape(args []string) error {
	fs := flag.NewFlagSet("scrape", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: search config.yaml)")
	pages := fs.Int("pages", 0, "Override maximum catalog pages per roaster")
	format := fs.String("format", "", "Override output format: store, json, csv, or dual")
	output := fs.String("output", "", "Override output file path")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(*configPath, *verbose)
	if err != nil {
		return err
	}
	if *pages > 0 {
		cfg.Scraper.MaxPages = *pages
	}
	if *format != "" {
		cfg.Scraper.OutputFormat = strings.ToLower(*format)
	}
	if *output != "" {
		cfg.Scraper.OutputFile = *output
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	slog.Info("starting scrape",
		slog.Int("roasters", len(cfg.Roasters)),
		slog.Int("max_pages", cfg.Scraper.MaxPages),
		slog.Int("workers", cfg.Scraper.Parallelism),
		slog.String("format", cfg.Scraper.OutputFormat),
	)

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		return fmt.Errorf("initialise scraper: %w", err)
	}

	writer, cleanup, err := createWriter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	defer cleanup()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.NewPipeline(writer, &cfg.Scraper)
	p.Start(cfg.Scraper.Parallelism)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	startTime := time.Now()
	result, err := s.Run(ctx, p)
	if err != nil {
		return fmt.Errorf("scraping failed: %w", err)
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("pipeline shutdown: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation: %w", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printScrapeSummary(result, time.Since(startTime), p.GetMetrics())
	return nil
}

// createWriter builds the configured pipeline sink. The returned cleanup
// closes the writer and, when one was opened, the store.
func createWriter(ctx context.Context, cfg *config.Config) (pipeline.ProductWriter, func(), error) {
	closeWriter := func(w pipeline.ProductWriter) func() {
		return func() {
			if err := w.Close(); err != nil {
				slog.Error("close writer", slog.Any("error", err))
			}
		}
	}

	switch cfg.Scraper.OutputFormat {
	case "json":
		w, err := pipeline.NewJSONWriter(cfg.Scraper.OutputFile)
		if err != nil {
			return nil, nil, err
		}
		return w, closeWriter(w), nil
	case "csv":
		w, err := pipeline.NewCSVWriter(cfg.Scraper.OutputFile)
		if err != nil {
			return nil, nil, err
		}
		return w, closeWriter(w), nil
	case "store":
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		w := pipeline.NewStoreWriter(ctx, st)
		return w, func() {
			closeWriter(w)()
			if err := st.Close(); err != nil {
				slog.Error("close store", slog.Any("error", err))
			}
		}, nil
	case "dual":
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		jsonFile := strings.TrimSuffix(cfg.Scraper.OutputFile, ".csv")
		if !strings.HasSuffix(jsonFile, ".json") {
			jsonFile += ".json"
		}
		w, err := pipeline.NewDualWriter(pipeline.NewStoreWriter(ctx, st), jsonFile)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		return w, func() {
			closeWriter(w)()
			if err := st.Close(); err != nil {
				slog.Error("close store", slog.Any("error", err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported format: %s", cfg.Scraper.OutputFormat)
	}
}

func printScrapeSummary(result *models.ScrapeResult, duration time.Duration, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	totalItems := int64(0)
	if processed, ok := metrics["processed_products"].(int64); ok {
		totalItems = processed
	}
	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(totalItems) / duration.Seconds()
	}
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}

	fmt.Printf("  Products:      %d\n", totalItems)
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Products/sec:  %.2f\n", itemsPerSec)
	fmt.Println(separator)
}

func runEnhance(args []string) error {
	fs := flag.NewFlagSet("enhance", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: search config.yaml)")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(*configPath, *verbose)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	extractor, err := enhance.New(cfg.AI)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	report, err := enhance.Run(ctx, st, extractor)
	if err != nil {
		return err
	}

	fmt.Printf("Enhancement complete: %d processed, %d enhanced, %d failed\n",
		report.Processed, report.Enhanced, report.Failed)
	return nil
}

func runRecommend(args []string) error {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: search config.yaml)")
	limit := fs.Int("limit", 0, "Override maximum number of recommendations")
	save := fs.Bool("save", true, "Persist the recommendation run")
	history := fs.Int("history", 0, "Print the last N saved runs instead of recommending")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(*configPath, *verbose)
	if err != nil {
		return err
	}
	if *limit <= 0 {
		*limit = cfg.Preferences.Limit
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signalContext()
	defer stop()

	if *history > 0 {
		return printHistory(ctx, st, *history)
	}

	products, err := st.ListAvailableProducts(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	orders, err := st.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}

	prefs := cfg.PreferencesValue()
	result, err := recommend.New().Recommend(products, orders, prefs, *limit)
	switch {
	case errors.Is(err, recommend.ErrEmptyCatalog):
		return fmt.Errorf("catalog is empty; run 'coffeecopilot scrape' first")
	case errors.Is(err, recommend.ErrNoEligibleProducts):
		return fmt.Errorf("no products fit the budget; raise the budget or set preferences.budget_fallback")
	case err != nil:
		return err
	}

	printRecommendations(result)
	printSpending(recommend.Summarize(orders, prefs, time.Now()))

	if *save && len(result.Items) > 0 {
		if err := st.SaveRecommendation(ctx, result.Record()); err != nil {
			return fmt.Errorf("save recommendation: %w", err)
		}
		slog.Info("recommendation saved", slog.String("run_id", result.RunID))
	}
	return nil
}

func printRecommendations(result *recommend.Result) {
	if len(result.Items) == 0 {
		fmt.Println("No recommendations: everything in budget has already been ordered.")
		return
	}

	fmt.Printf("Top picks (%s)\n", result.GeneratedAt.Format("2006-01-02"))
	if result.Widened {
		fmt.Println("  (budget cap widened: nothing matched the strict budget)")
	}
	for i, item := range result.Items {
		p := item.Product
		fmt.Printf("%2d. %-40s %-20s $%.2f  score %.3f\n", i+1, p.Name, p.Roaster, p.Price, item.Score)
		if len(p.TastingNotes) > 0 {
			fmt.Printf("    %s\n", strings.Join(p.TastingNotes, ", "))
		}
		if p.URL != "" {
			fmt.Printf("    %s\n", p.URL)
		}
	}
}

func printHistory(ctx context.Context, st *store.Store, n int) error {
	recs, err := st.RecentRecommendations(ctx, n)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No saved recommendation runs.")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  run %s\n", rec.GeneratedAt.Format("2006-01-02 15:04"), rec.RunID)
		for _, item := range rec.Items {
			fmt.Printf("  %2d. %-40s $%.2f  score %.3f\n", item.Position, item.ProductID, item.Price, item.Score)
		}
	}
	return nil
}

func printSpending(summary recommend.SpendingSummary) {
	fmt.Println("\nSpending")
	fmt.Printf("  This month:    $%.2f\n", summary.CurrentMonth)
	fmt.Printf("  Last month:    $%.2f\n", summary.LastMonth)
	fmt.Printf("  3-month avg:   $%.2f\n", summary.ThreeMonthAverage)
	fmt.Printf("  Remaining:     $%.2f\n", summary.RemainingBudget)
}

func runOrders(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: coffeecopilot orders <add|list> [flags]")
	}
	switch args[0] {
	case "add":
		return runOrdersAdd(args[1:])
	case "list":
		return runOrdersList(args[1:])
	default:
		return fmt.Errorf("unknown orders subcommand: %s", args[0])
	}
}

func runOrdersAdd(args []string) error {
	fs := flag.NewFlagSet("orders add", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: search config.yaml)")
	productID := fs.String("product", "", "Product identifier (roaster/handle)")
	price := fs.Float64("price", 0, "Price paid (default: current catalog price)")
	quantity := fs.Int("quantity", 1, "Number of bags")
	date := fs.String("date", "", "Order date as YYYY-MM-DD (default: today)")
	notes := fs.String("notes", "", "Free-form notes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *productID == "" {
		return fmt.Errorf("-product is required")
	}

	cfg, err := setup(*configPath, false)
	if err != nil {
		return err
	}

	order := &models.Order{
		ProductID: *productID,
		PricePaid: *price,
		Quantity:  *quantity,
		Notes:     *notes,
	}
	if *date != "" {
		parsed, err := time.Parse("2006-01-02", *date)
		if err != nil {
			return fmt.Errorf("parse date %q: %w", *date, err)
		}
		order.OrderDate = parsed
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := st.AddOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrProductNotFound) {
			return fmt.Errorf("product %q not in catalog; run 'coffeecopilot scrape' first", *productID)
		}
		return err
	}

	fmt.Printf("Recorded order: %s x%d at $%.2f on %s\n",
		order.ProductID, order.Quantity, order.PricePaid, order.OrderDate.Format("2006-01-02"))
	return nil
}

func runOrdersList(args []string) error {
	fs := flag.NewFlagSet("orders list", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: search config.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := setup(*configPath, false)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signalContext()
	defer stop()

	orders, err := st.ListOrders(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("No orders recorded.")
		return nil
	}

	for _, o := range orders {
		line := fmt.Sprintf("%s  %-40s x%d  $%.2f", o.OrderDate.Format("2006-01-02"), o.ProductID, o.Quantity, o.PricePaid)
		if o.Notes != "" {
			line += "  (" + o.Notes + ")"
		}
		fmt.Println(line)
	}

	printSpending(recommend.Summarize(orders, cfg.PreferencesValue(), time.Now()))
	return nil
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
