// Command badasn maintains the bad-ASN registry and its derived block
// artifacts: Cloudflare filter rules, plain ASN number lists, and .netset
// files of IP blocks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/abuseguard/badasn/internal/asnlist"
	"github.com/abuseguard/badasn/internal/cloudflare"
	"github.com/abuseguard/badasn/internal/config"
	"github.com/abuseguard/badasn/internal/fetch"
	"github.com/abuseguard/badasn/internal/ipapi"
	"github.com/abuseguard/badasn/internal/ipinfo"
	"github.com/abuseguard/badasn/internal/lookup"
	"github.com/abuseguard/badasn/internal/netset"
	"github.com/abuseguard/badasn/internal/rules"
)

// Default file layout, matching the published repository.
const (
	defaultRegistry      = "data/bad-asn-list.csv"
	defaultDeadRegistry  = "data/bad-asn-list-dead.csv"
	defaultMergeSource   = "to_merge.csv"
	defaultRulesFile     = "data/cloudflare_rules.txt"
	defaultNumbersFile   = "data/only_numbers.txt"
	defaultDetailDir     = "data/asns"
	defaultDeadDetailDir = "data/asns_dead"
	defaultJSONNetset    = "data/blocklist_json.netset"
	defaultIPInfoNetset  = "data/blocklist_ipapi.netset"
	defaultMergedNetset  = "data/blocklist.netset"
	defaultCFConfig      = "cf.yaml"
	defaultIPAPIConfig   = "ipapi.yaml"
)

func usage() {
	fmt.Fprint(os.Stderr, `Usage: badasn <command> [arguments]

Registry:
  merge [source] [dest]          merge new ASN rows into the registry
  sort [column] [file]           sort the registry by a column (-desc to reverse)
  update-csv                     refresh registry rows from cached ASN details
  prune                          archive ASNs that no longer announce prefixes

Artifacts:
  rules [input] [output]         build Cloudflare filter expressions
  numbers [input] [output]       write one ASN number per line
  netset [output]                derive a netset from cached ASN details
  ipinfo-netset [input] [output] derive a netset from ipinfo.app
  merge-netsets [inputs...]      union netsets into one blocklist (-o output)
  build                          build all artifacts in order

Remote:
  fetch                          refresh cached ASN details from ipapi.is
  cf [setup|update-only]         apply rules to Cloudflare (default: full sync)
  lookup <ip>...                 resolve IPs to ASNs and check the registry
`)
}

func main() {
	// API keys may come from the environment instead of the YAML configs.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "merge":
		err = cmdMerge(args, logger)
	case "sort":
		err = cmdSort(args, logger)
	case "rules":
		err = cmdRules(args, logger)
	case "numbers":
		err = cmdNumbers(args, logger)
	case "netset":
		err = cmdNetset(args, logger)
	case "ipinfo-netset":
		err = cmdIPInfoNetset(ctx, args, logger)
	case "merge-netsets":
		err = cmdMergeNetsets(args, logger)
	case "update-csv":
		err = cmdUpdateCSV(args, logger)
	case "prune":
		err = cmdPrune(args, logger)
	case "fetch":
		err = cmdFetch(ctx, args, logger)
	case "cf":
		err = cmdCF(ctx, args, logger)
	case "build":
		err = cmdBuild(ctx, args, logger)
	case "lookup":
		err = cmdLookup(ctx, args, logger)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// positional returns the i-th positional argument or a default.
func positional(fs *flag.FlagSet, i int, def string) string {
	if arg := fs.Arg(i); arg != "" {
		return arg
	}
	return def
}

func cmdMerge(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	fs.Parse(args)
	source := positional(fs, 0, defaultMergeSource)
	dest := positional(fs, 1, defaultRegistry)

	master, err := asnlist.ReadRegistryFile(dest, logger)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		logger.Info("destination registry not found, it will be created", "file", dest)
	}
	additions, err := asnlist.ReadRegistryFile(source, logger)
	if err != nil {
		return fmt.Errorf("reading source %s: %w", source, err)
	}

	merged, added := asnlist.Merge(master, additions)
	if err := asnlist.WriteRegistryFile(dest, merged); err != nil {
		return err
	}
	logger.Info("merge complete", "added", added, "total", len(merged), "file", dest)
	return nil
}

func cmdSort(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("sort", flag.ExitOnError)
	desc := fs.Bool("desc", false, "sort in descending order")
	fs.Parse(args)
	column := positional(fs, 0, "ASN")
	file := positional(fs, 1, defaultRegistry)

	records, err := asnlist.ReadRegistryFile(file, logger)
	if err != nil {
		return err
	}
	if err := asnlist.Sort(records, column, *desc); err != nil {
		return err
	}
	if err := asnlist.WriteRegistryFile(file, records); err != nil {
		return err
	}
	logger.Info("registry sorted", "column", column, "descending", *desc, "file", file)
	return nil
}

func cmdRules(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	maxLen := fs.Int("max-length", rules.MaxExpressionLength, "maximum expression length")
	fs.Parse(args)
	input := positional(fs, 0, defaultRegistry)
	output := positional(fs, 1, defaultRulesFile)
	return buildRules(input, output, *maxLen, logger)
}

func buildRules(input, output string, maxLen int, logger *slog.Logger) error {
	records, err := asnlist.ReadRegistryFile(input, logger)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		logger.Warn("registry is empty, no rules generated", "file", input)
		return nil
	}

	// Worst offenders first, so quota-limited zones block the most abusive
	// networks even when not every expression fits.
	exprs := rules.Pack(asnlist.ByPriority(records), maxLen)

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := rules.WriteExpressions(f, exprs); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("rules generated", "expressions", len(exprs), "asns", len(records), "file", output)
	return nil
}

func cmdNumbers(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("numbers", flag.ExitOnError)
	fs.Parse(args)
	input := positional(fs, 0, defaultRegistry)
	output := positional(fs, 1, defaultNumbersFile)
	return buildNumbers(input, output, logger)
}

func buildNumbers(input, output string, logger *slog.Logger) error {
	records, err := asnlist.ReadRegistryFile(input, logger)
	if err != nil {
		return err
	}
	asns := asnlist.Numbers(records)

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	for _, asn := range asns {
		if _, err := fmt.Fprintln(f, asn); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("number list written", "asns", len(asns), "file", output)
	return nil
}

func cmdNetset(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("netset", flag.ExitOnError)
	fs.Parse(args)
	output := positional(fs, 0, defaultJSONNetset)
	return buildJSONNetset(output, logger)
}

func buildJSONNetset(output string, logger *slog.Logger) error {
	cfg, err := config.LoadIPAPI(defaultIPAPIConfig)
	if err != nil {
		return err
	}
	logger.Info("filtering by minimum abuse score", "threshold", cfg.MinimumAbuseScore)

	details, err := ipapi.LoadDir(defaultDetailDir, func(name string, err error) {
		logger.Warn("skipping unreadable detail file", "file", name, "err", err)
	})
	if err != nil {
		return fmt.Errorf("loading detail cache (run fetch first): %w", err)
	}

	prefixes, included, skipped := netset.FromDetails(details, cfg.MinimumAbuseScore)
	if len(prefixes) == 0 {
		logger.Warn("no prefixes matched the filter, netset not written")
		return nil
	}
	if err := netset.WriteFile(output, prefixes); err != nil {
		return err
	}
	logger.Info("netset written", "prefixes", len(prefixes),
		"included_asns", included, "skipped_asns", skipped, "file", output)
	return nil
}

func cmdIPInfoNetset(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("ipinfo-netset", flag.ExitOnError)
	fs.Parse(args)
	input := positional(fs, 0, defaultRegistry)
	output := positional(fs, 1, defaultIPInfoNetset)
	return buildIPInfoNetset(ctx, input, output, logger)
}

func buildIPInfoNetset(ctx context.Context, input, output string, logger *slog.Logger) error {
	records, err := asnlist.ReadRegistryFile(input, logger)
	if err != nil {
		return err
	}
	asns := asnlist.Numbers(records)
	if len(asns) == 0 {
		logger.Warn("no ASNs in registry, nothing to fetch")
		return nil
	}

	logger.Info("fetching CIDRs from ipinfo.app", "asns", len(asns))
	set, err := ipinfo.NewClient().FetchAll(ctx, asns, ipinfo.DefaultDelay, logger)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		logger.Warn("no CIDRs fetched, netset not written")
		return nil
	}

	if err := netset.WriteFile(output, netset.SortStrings(set)); err != nil {
		return err
	}
	logger.Info("netset written", "prefixes", len(set), "file", output)
	return nil
}

func cmdMergeNetsets(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("merge-netsets", flag.ExitOnError)
	output := fs.String("o", defaultMergedNetset, "output file")
	fs.Parse(args)

	inputs := fs.Args()
	if len(inputs) == 0 {
		inputs = []string{defaultJSONNetset, defaultIPInfoNetset}
	}

	prefixes, err := netset.Merge(inputs, logger)
	if err != nil {
		return err
	}
	if len(prefixes) == 0 {
		logger.Warn("no prefixes found in any input, output not written")
		return nil
	}
	if err := netset.WriteFile(*output, prefixes); err != nil {
		return err
	}
	logger.Info("netsets merged", "prefixes", len(prefixes), "file", *output)
	return nil
}

func cmdUpdateCSV(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("update-csv", flag.ExitOnError)
	fs.Parse(args)
	file := positional(fs, 0, defaultRegistry)

	records, err := asnlist.ReadRegistryFile(file, logger)
	if err != nil {
		return err
	}
	details, err := ipapi.LoadDir(defaultDetailDir, func(name string, err error) {
		logger.Warn("skipping unreadable detail file", "file", name, "err", err)
	})
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("detail cache not found, registry unchanged", "dir", defaultDetailDir)
			return nil
		}
		return err
	}

	updated := asnlist.UpdateFromDetails(records, details)
	if err := asnlist.WriteRegistryFile(file, updated); err != nil {
		return err
	}
	logger.Info("registry refreshed from details", "rows", len(updated), "details", len(details))
	return nil
}

func cmdPrune(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	fs.Parse(args)

	records, err := asnlist.ReadRegistryFile(defaultRegistry, logger)
	if err != nil {
		return err
	}
	res, err := asnlist.Prune(records, defaultDetailDir, defaultDeadDetailDir, logger)
	if err != nil {
		return err
	}
	if len(res.Dead) == 0 && res.OrphansRemoved == 0 {
		logger.Info("nothing to prune")
		return nil
	}
	if len(res.Dead) > 0 {
		if err := asnlist.WriteRegistryFile(defaultRegistry, res.Kept); err != nil {
			return err
		}
		if err := asnlist.AppendDead(defaultDeadRegistry, res.Dead); err != nil {
			return err
		}
	}
	logger.Info("prune complete",
		"archived", len(res.Dead), "orphans_removed", res.OrphansRemoved, "kept", len(res.Kept))
	return nil
}

func cmdFetch(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := config.LoadIPAPI(defaultIPAPIConfig)
	if err != nil {
		return err
	}
	if key := os.Getenv("BADASN_IPAPI_KEY"); key != "" {
		cfg.APIKey = key
	}
	if !cfg.Configured() {
		return fmt.Errorf("API key not configured in %s (get one from https://ipapi.is/)", defaultIPAPIConfig)
	}

	now := time.Now().UTC()
	budget := cfg.Window(now, config.RequestLimitPer24h)
	if budget.Available == 0 {
		logger.Warn("request limit for the last 24 hours reached",
			"used", budget.Used, "next_available", budget.NextAvailable.UTC().Format("2006-01-02 15:04:05 MST"))
		return nil
	}
	logger.Info("request budget", "used_24h", budget.Used, "available", budget.Available)

	records, err := asnlist.ReadRegistryFile(defaultRegistry, logger)
	if err != nil {
		return err
	}
	asns := asnlist.Numbers(records)
	logger.Info("processing ASNs", "count", len(asns))

	fetcher := fetch.New(ipapi.NewClient(cfg.APIKey), defaultDetailDir, logger)
	stats, err := fetcher.Run(ctx, asns, budget.Available)
	if stats != nil && stats.Requests > 0 {
		cfg.RecordRun(now, stats.Requests)
		if saveErr := config.SaveIPAPI(defaultIPAPIConfig, cfg); saveErr != nil {
			logger.Error("could not persist run history", "err", saveErr)
		}
	}
	if err != nil {
		return err
	}

	logger.Info("fetch complete", "requests", stats.Requests, "created", stats.Created,
		"updated", stats.Updated, "skipped", stats.Skipped, "failed", stats.Failed)
	if stats.Requests == 0 {
		logger.Info("all local data is up to date")
		return nil
	}
	return buildJSONNetset(defaultJSONNetset, logger)
}

func cmdCF(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("cf", flag.ExitOnError)
	fs.Parse(args)

	mode := fs.Arg(0)
	switch mode {
	case "", "update-only", "setup":
	default:
		return fmt.Errorf("unknown cf mode %q (expected setup or update-only)", mode)
	}

	cfg, err := config.LoadCF(defaultCFConfig)
	if err != nil {
		return err
	}
	if token := os.Getenv("BADASN_CF_TOKEN"); token != "" {
		cfg.APIToken = token
	}

	if !cfg.Configured() {
		if mode == "setup" {
			cfg.APIToken = config.PlaceholderToken
			if err := config.SaveCF(defaultCFConfig, cfg); err != nil {
				return err
			}
			logger.Info("wrote config skeleton; add your API token and run setup again",
				"file", defaultCFConfig)
			return nil
		}
		return fmt.Errorf("API token not configured in %s (run 'badasn cf setup' first)", defaultCFConfig)
	}

	rec := cloudflare.NewReconciler(cloudflare.NewClient(cfg.APIToken), logger)

	if mode == "setup" {
		if err := rec.Setup(ctx, cfg); err != nil {
			return err
		}
		if err := config.SaveCF(defaultCFConfig, cfg); err != nil {
			return err
		}
		logger.Info("setup complete", "managed_zones", len(cfg.ManagedZones), "file", defaultCFConfig)
		return nil
	}

	// Apply modes regenerate the rules file so Cloudflare always gets the
	// current registry.
	if err := buildRules(defaultRegistry, defaultRulesFile, rules.MaxExpressionLength, logger); err != nil {
		return fmt.Errorf("rebuilding rules: %w", err)
	}
	exprs, err := rules.ReadExpressionsFile(defaultRulesFile)
	if err != nil {
		return err
	}
	logger.Info("loaded rule expressions", "count", len(exprs), "mode", applyModeName(mode))

	res, err := rec.Apply(ctx, cfg, exprs, mode == "update-only")
	if err != nil {
		return err
	}
	if res.ConfigChanged {
		if err := config.SaveCF(defaultCFConfig, cfg); err != nil {
			return err
		}
		logger.Info("configuration updated", "file", defaultCFConfig)
	}
	logger.Info("apply complete", "zones", res.ZonesProcessed,
		"failed", res.ZonesFailed, "unapplied_expressions", res.Unapplied)
	return nil
}

func applyModeName(mode string) string {
	if mode == "update-only" {
		return "update-only"
	}
	return "full-sync"
}

func cmdBuild(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	fs.Parse(args)

	steps := []struct {
		name string
		run  func() error
	}{
		{"rules", func() error {
			return buildRules(defaultRegistry, defaultRulesFile, rules.MaxExpressionLength, logger)
		}},
		{"numbers", func() error { return buildNumbers(defaultRegistry, defaultNumbersFile, logger) }},
		{"netset", func() error { return buildJSONNetset(defaultJSONNetset, logger) }},
		{"ipinfo-netset", func() error {
			return buildIPInfoNetset(ctx, defaultRegistry, defaultIPInfoNetset, logger)
		}},
	}
	for _, step := range steps {
		logger.Info("build step starting", "step", step.name)
		if err := step.run(); err != nil {
			return fmt.Errorf("step %s: %w", step.name, err)
		}
	}
	logger.Info("all artifacts built")
	return nil
}

func cmdLookup(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	fs.Parse(args)
	ips := fs.Args()
	if len(ips) == 0 {
		return fmt.Errorf("usage: badasn lookup <ip>...")
	}

	records, err := asnlist.ReadRegistryFile(defaultRegistry, logger)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		logger.Warn("registry not found, listing checks disabled", "file", defaultRegistry)
	}

	resolver := lookup.NewResolver(records)
	for _, res := range resolver.LookupAll(ctx, ips) {
		if res.Err != nil {
			fmt.Printf("%-18s lookup failed: %v\n", res.IP, res.Err)
			continue
		}
		listed := "not listed"
		if res.Listed {
			listed = fmt.Sprintf("LISTED (score %s)", asnlist.FormatScore(res.Record.AbuserScore))
			if res.Record.AbuserScore == 0 {
				listed = "LISTED"
			}
		}
		line := fmt.Sprintf("%-18s AS%-8d %-30s %s", res.IP, res.ASN, truncate(res.ASNName, 30), listed)
		if res.AbuseContact != "" {
			line += "  abuse: " + res.AbuseContact
		}
		fmt.Println(line)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
