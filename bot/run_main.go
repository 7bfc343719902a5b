package bot

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"

	"minebot/bidding"
	"minebot/build"
	"minebot/calc"
	"minebot/chain"
	"minebot/chainrpc"
	"minebot/debug"
)

type RunConfig struct {
	Program   string    // e.g. "minebot"
	Stdout    io.Writer // e.g. os.Stdout
	Stderr    io.Writer // e.g. os.Stderr
	Args      []string  // e.g. os.Args
	DebugAddr string    // e.g. ":4419"
	DataDir   string    // e.g. "./data"

	// Local, Archive and Accounts may be injected; when nil they are built
	// from the -local-url, -archive-url, -funding-address and -subaccount
	// flags.
	Local    chain.Client
	Archive  chain.Client
	Accounts bidding.Accounts

	// Calculator, if nil, is loaded from the rules file named by RulesPath
	// or the -rules flag.
	Calculator calc.Calculator
	RulesPath  string
}

func (cfg *RunConfig) Validate() error {
	if cfg.Program == "" {
		return fmt.Errorf("missing program name")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.DebugAddr == "" {
		return fmt.Errorf("missing debug addr")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("missing data dir")
	}
	return nil
}

func RunMain(ctx context.Context, cfg RunConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fs := flag.NewFlagSet(cfg.Program, flag.ContinueOnError)
	var (
		debugAddr          = fs.String("debug-addr", cfg.DebugAddr, "private debug HTTP server address")
		dataDir            = fs.String("data-dir", cfg.DataDir, "root directory for durable state documents")
		rulesPath          = fs.String("rules", cfg.RulesPath, "bidding rules file (JSON), ignored when a calculator is injected")
		localURL           = fs.String("local-url", "", "local node gateway websocket URL")
		archiveURL         = fs.String("archive-url", "", "archive node gateway websocket URL (optional, defaults to local)")
		fundingAddress     = fs.String("funding-address", "", "address that pays bids, fees and tips")
		subaccounts        = flagStringSet(fs, "subaccount", "operator subaccount address, in index order (repeatable)")
		oldestFrame        = fs.Uint64("oldest-frame-id", 0, "oldest frame to backfill on first run (0 = current frame only)")
		localRetainBlocks  = fs.Uint64("local-retain-blocks", 256, "blocks the local node retains before the archive node is needed")
		syncPollInterval   = fs.Duration("sync-poll-interval", 10*time.Second, "fallback poll cadence when no headers arrive")
		seatMirrorInterval = fs.Duration("seat-mirror-interval", 10*time.Second, "how often bidder seat targets are mirrored into sync state")
		version            = fs.Bool("version", false, "print version information and exit")
		logLevel           = fs.String("log-level", "info", "debug, info, warn, error")
		_                  = fs.String("config", "", "config file")
	)
	if err := ff.Parse(fs, cfg.Args,
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("MINEBOT"),
	); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	if *version {
		fmt.Fprintf(cfg.Stdout, "%s version %s date %s\n", cfg.Program, build.Version, build.Date)
		return nil
	}

	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(cfg.Stderr)
		logger = level.NewFilter(logger, level.Allow(level.ParseDefault(*logLevel, level.InfoValue())))
	}

	level.Info(logger).Log("program", cfg.Program, "build_version", build.Version, "build_date", build.Date)

	local := cfg.Local
	if local == nil {
		if *localURL == "" {
			return fmt.Errorf("missing local node url")
		}
		cc, err := chainrpc.Dial(ctx, *localURL, log.With(logger, "node", "local"))
		if err != nil {
			return fmt.Errorf("dial local node: %w", err)
		}
		defer cc.Close()
		local = chain.WithHeaderCache(chain.WithLogging(cc, log.With(logger, "node", "local")))
	}

	archive := cfg.Archive
	if archive == nil {
		switch *archiveURL {
		case "", *localURL:
			archive = local
		default:
			cc, err := chainrpc.Dial(ctx, *archiveURL, log.With(logger, "node", "archive"))
			if err != nil {
				return fmt.Errorf("dial archive node: %w", err)
			}
			defer cc.Close()
			archive = chain.WithHeaderCache(chain.WithLogging(cc, log.With(logger, "node", "archive")))
		}
	}

	accounts := cfg.Accounts
	if accounts == nil {
		if *fundingAddress == "" {
			return fmt.Errorf("missing funding address")
		}
		if len(subaccounts.Get()) == 0 {
			return fmt.Errorf("missing subaccounts")
		}
		accounts = bidding.NewStaticAccounts(*fundingAddress, subaccounts.Get())
	}

	if cfg.Calculator == nil && *rulesPath == "" {
		return fmt.Errorf("missing calculator and rules path")
	}

	var oldestFrameID *uint64
	if *oldestFrame > 0 {
		oldestFrameID = oldestFrame
	}

	bot, err := New(Config{
		Local:              local,
		Archive:            archive,
		Accounts:           accounts,
		Calculator:         cfg.Calculator,
		RulesPath:          *rulesPath,
		DataDir:            *dataDir,
		LocalRetainBlocks:  *localRetainBlocks,
		OldestFrameID:      oldestFrameID,
		PollInterval:       *syncPollInterval,
		SeatMirrorInterval: *seatMirrorInterval,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	var g run.Group

	{
		logger := log.With(logger, "module", "debug")
		debugHandler := debug.NewHandler(bot.StatusHandler(), logger)
		server := &http.Server{Handler: debugHandler, Addr: *debugAddr}
		g.Add(func() error {
			level.Info(logger).Log("debug_addr", *debugAddr)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return bot.Run(ctx)
		}, func(error) {
			cancel()
			bot.Stop()
		})
	}

	{
		g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))
	}

	level.Debug(logger).Log("msg", "running")

	return g.Run()
}

func IsSignalError(err error) bool {
	var (
		sigErrVal run.SignalError
		sigErrPtr *run.SignalError
	)
	return errors.As(err, &sigErrVal) || errors.As(err, &sigErrPtr)
}

//
//
//

type stringSet struct{ values []string }

var _ flag.Value = (*stringSet)(nil)

func flagStringSet(fs *flag.FlagSet, name string, usage string) *stringSet {
	ss := &stringSet{}
	fs.Var(ss, name, usage)
	return ss
}

func (ss *stringSet) Set(value string) error {
	for _, v := range ss.values {
		if value == v {
			return nil
		}
	}
	ss.values = append(ss.values, value)
	return nil
}

func (ss *stringSet) String() string {
	switch len(ss.values) {
	case 0:
		return "<empty>"
	default:
		return strings.Join(ss.values, ", ")
	}
}

func (ss *stringSet) Get() []string {
	return ss.values
}
