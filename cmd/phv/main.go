// phv is a live terminal viewer for a payment node's transfer history.
//
// It pages through the node's append-only payment log newest-first, filters
// by token and free text, overlays in-flight transfers, and follows the log
// as new payments arrive.
//
// Usage:
//
//	phv                          # Auto-discover .phv/config.yaml
//	phv --config <path>          # Use a specific config file
//	phv --node http://host:5001  # Override the node URL
//	phv --json --page 2          # Dump one page as JSON and exit
//	phv --token TTT --search bob # Start with a filter applied
//	phv --refresh 10s            # Set the log polling interval
//	phv --version                # Print version and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/daviddao/paymenthistory_viewer/internal/addressbook"
	"github.com/daviddao/paymenthistory_viewer/internal/backoff"
	"github.com/daviddao/paymenthistory_viewer/internal/config"
	"github.com/daviddao/paymenthistory_viewer/internal/datasource"
	"github.com/daviddao/paymenthistory_viewer/internal/filter"
	"github.com/daviddao/paymenthistory_viewer/internal/history"
	"github.com/daviddao/paymenthistory_viewer/internal/logging"
	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/nodeapi"
	"github.com/daviddao/paymenthistory_viewer/internal/pending"
	"github.com/daviddao/paymenthistory_viewer/internal/snapshot"
	"github.com/daviddao/paymenthistory_viewer/internal/tail"
)

// Version is set via ldflags at build time (e.g. -X main.Version=v0.1.0).
var Version = "dev"

type options struct {
	configPath string
	nodeURL    string
	jsonMode   bool
	page       int
	token      string
	search     string
	refresh    time.Duration
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "phv",
		Short:         "Live viewer for a payment node's transfer history",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.SetVersionTemplate("phv {{.Version}}\n")

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to config.yaml (default: auto-discover)")
	f.StringVar(&opts.nodeURL, "node", "", "payment node URL, overrides node.url")
	f.BoolVar(&opts.jsonMode, "json", false, "dump one page as JSON and exit (no TUI)")
	f.IntVar(&opts.page, "page", 1, "page to show with --json")
	f.StringVar(&opts.token, "token", "", "start filtered to a token (address or symbol)")
	f.StringVar(&opts.search, "search", "", "start with a search keyword")
	f.DurationVar(&opts.refresh, "refresh", 0, "log polling interval, overrides polling.interval")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "phv: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := datasource.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.nodeURL != "" {
		cfg.Node.URL = opts.nodeURL
	}
	if opts.refresh > 0 {
		cfg.Polling.Interval = opts.refresh
	}
	if opts.page < 1 {
		return nil, fmt.Errorf("--page must be at least 1, got %d", opts.page)
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	node, err := datasource.Open(ctx, cfg)
	if err != nil {
		return err
	}
	book, err := addressbook.Load(cfg.AddressBook.Path)
	if err != nil {
		return err
	}

	if opts.jsonMode {
		return dumpJSON(ctx, cfg, node, book, opts)
	}

	// Token metadata is cosmetic; the TUI retries it in the background.
	var tokens filter.Tokens
	if infos, err := node.Client.Tokens(ctx); err == nil {
		tokens = tokensFromInfo(infos)
	} else {
		logging.LogError(err, "initial token list failed", 0)
	}
	fc, err := initialFilter(opts, tokens)
	if err != nil {
		return err
	}

	retry := backoff.NewSignal()
	overlay := pending.NewOverlay(cfg.Pending.TTL)
	tailSvc := tail.New(node.Adapter, tail.Options{
		Chunk:         cfg.History.TailChunk,
		Interval:      cfg.Polling.Interval,
		ErrorInterval: cfg.Polling.ErrorInterval,
		Retry:         retry,
		Tokens:        tokens,
		Labels:        book,
	})
	pendingPoller := backoff.NewPoller("pending", node.Client.PendingTransfers,
		cfg.Polling.PendingInterval, cfg.Polling.ErrorInterval, retry)

	var watcher *datasource.Watcher
	if cfg.AddressBook.Path != "" {
		if watcher, err = datasource.NewWatcher(cfg.AddressBook.Path); err != nil {
			logging.LogError(err, "address book is not watched", 0)
			watcher = nil
		} else {
			defer watcher.Close()
		}
	}

	m := newModel(ctx, deps{
		cfg:      cfg,
		fetcher:  node.Adapter,
		client:   node.Client,
		address:  node.Address,
		book:     book,
		tokens:   tokens,
		overlay:  overlay,
		tail:     tailSvc,
		pending:  pendingPoller,
		retry:    retry,
		bookPath: cfg.AddressBook.Path,
	}, fc)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	go tailSvc.Run(ctx, func(u tail.Update) {
		p.Send(tailMsg{update: u})
	})
	go pendingPoller.Run(ctx, func(list []nodeapi.PendingTransfer) {
		overlay.Update(list, time.Now())
		p.Send(pendingChangedMsg{})
	})
	if watcher != nil {
		go func() {
			for range watcher.Changes() {
				p.Send(bookChangedMsg{})
			}
		}()
	}

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func tokensFromInfo(infos []nodeapi.TokenInfo) filter.Tokens {
	list := make([]model.Token, 0, len(infos))
	for _, t := range infos {
		list = append(list, model.Token{Address: t.Address, Symbol: t.Symbol, Name: t.Name, Decimals: t.Decimals})
	}
	return filter.NewTokens(list)
}

// resolveToken accepts a token address or a symbol known to the node.
func resolveToken(s string, tokens filter.Tokens) (*common.Address, error) {
	if s == "" {
		return nil, nil
	}
	if common.IsHexAddress(s) {
		addr := common.HexToAddress(s)
		return &addr, nil
	}
	for addr, t := range tokens {
		if strings.EqualFold(t.Symbol, s) {
			return &addr, nil
		}
	}
	return nil, fmt.Errorf("unknown token %q", s)
}

func initialFilter(opts options, tokens filter.Tokens) (model.FilterContext, error) {
	tok, err := resolveToken(opts.token, tokens)
	if err != nil {
		return model.FilterContext{}, err
	}
	return model.FilterContext{SelectedToken: tok, SearchKeyword: strings.TrimSpace(opts.search)}, nil
}

func dumpJSON(ctx context.Context, cfg *config.Config, node *datasource.Node, book *addressbook.Book, opts options) error {
	infos, err := node.Client.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("tokens: %w", err)
	}
	tokens := tokensFromInfo(infos)
	fc, err := initialFilter(opts, tokens)
	if err != nil {
		return err
	}

	snap, err := snapshot.Build(ctx, snapshot.Sources{
		Log:     node.Adapter,
		Pending: node.Client,
		Tokens:  tokens,
		Labels:  book,
	}, snapshot.Request{
		Page:   opts.page,
		Filter: fc,
		Config: history.Config{PageSize: cfg.History.PageSize, BatchUnit: cfg.History.BatchUnit},
	})
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(buildJSONOutput(snap, tokens, book)); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}
