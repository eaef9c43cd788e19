// Package servecmder provides the serve command that runs the
// pass-through proxy with its aggregator and optional session-log tailer.
package servecmder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codexusage/codexusage/pkg/aggregator"
	"github.com/codexusage/codexusage/pkg/config"
	"github.com/codexusage/codexusage/pkg/eventstream"
	"github.com/codexusage/codexusage/pkg/eventstream/kafka"
	"github.com/codexusage/codexusage/pkg/ingest"
	"github.com/codexusage/codexusage/pkg/logger"
	"github.com/codexusage/codexusage/pkg/pricing"
	"github.com/codexusage/codexusage/pkg/reqlog"
	"github.com/codexusage/codexusage/pkg/store"
	"github.com/codexusage/codexusage/proxy"
)

type serveCommander struct {
	cfg   *config.Config
	debug bool

	configDir string
	logger    *zap.Logger

	// flagVals back the registered flags; resolved values flow through
	// viper so env vars and config.toml fill in unset flags.
	flagVals struct {
		listen     string
		basePath   string
		upstream   string
		requestLog string
		database   string
		sessionLog string
		brokers    string
		topic      string
	}
}

const serveLongDesc string = `Run the codexusage proxy.

The proxy listens locally and transparently forwards every request to the
configured OpenAI-compatible upstream, recording token usage into the
analytics database as responses pass through. Both buffered JSON and SSE
streaming responses are observed; the forwarded bytes are never modified.

Point your client at the proxy, e.g.:
  OPENAI_BASE_URL=http://127.0.0.1:8787/v1`

const serveShortDesc string = "Run the codexusage proxy"

// serveFlags maps this command's flags onto config keys.
var serveFlags = config.FlagSet{
	config.FlagListen:        {Name: "listen", Shorthand: "l", ViperKey: "server.listen_addr", Description: "Address for the proxy to listen on"},
	config.FlagBasePath:      {Name: "base-path", ViperKey: "server.public_base_path", Description: "Public path prefix clients address the proxy under"},
	config.FlagUpstream:      {Name: "upstream", Shorthand: "u", ViperKey: "server.upstream_base_url", Description: "Upstream OpenAI-compatible base URL"},
	config.FlagRequestLog:    {Name: "request-log", ViperKey: "server.request_log_path", Description: "Write an NDJSON traffic log to this path"},
	config.FlagDatabase:      {Name: "database", Shorthand: "s", ViperKey: "storage.database_path", Description: "Path to the analytics SQLite database"},
	config.FlagSessionLog:    {Name: "session-log", ViperKey: "ingest.session_log_path", Description: "Also tail this agent session log for usage"},
	config.FlagStreamBrokers: {Name: "stream-brokers", ViperKey: "eventstream.brokers", Description: "Kafka brokers to mirror usage events to (comma separated)"},
	config.FlagStreamTopic:   {Name: "stream-topic", ViperKey: "eventstream.topic", Description: "Kafka topic for mirrored usage events"},
}

var serveFlagKeys = []string{
	config.FlagListen,
	config.FlagBasePath,
	config.FlagUpstream,
	config.FlagRequestLog,
	config.FlagDatabase,
	config.FlagSessionLog,
	config.FlagStreamBrokers,
	config.FlagStreamTopic,
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, serveFlags, serveFlagKeys)
			cmder.cfg = config.FromViper(v)

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			return cmder.run()
		},
	}

	config.AddStringFlag(cmd, serveFlags, config.FlagListen, &cmder.flagVals.listen)
	config.AddStringFlag(cmd, serveFlags, config.FlagBasePath, &cmder.flagVals.basePath)
	config.AddStringFlag(cmd, serveFlags, config.FlagUpstream, &cmder.flagVals.upstream)
	config.AddStringFlag(cmd, serveFlags, config.FlagRequestLog, &cmder.flagVals.requestLog)
	config.AddStringFlag(cmd, serveFlags, config.FlagDatabase, &cmder.flagVals.database)
	config.AddStringFlag(cmd, serveFlags, config.FlagSessionLog, &cmder.flagVals.sessionLog)
	config.AddStringFlag(cmd, serveFlags, config.FlagStreamBrokers, &cmder.flagVals.brokers)
	config.AddStringFlag(cmd, serveFlags, config.FlagStreamTopic, &cmder.flagVals.topic)

	return cmd
}

func (c *serveCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer func() { _ = c.logger.Sync() }()

	ctx := context.Background()
	startedAt := time.Now().UTC()

	cfger, err := config.NewConfiger(c.configDir)
	if err != nil {
		return fmt.Errorf("resolving config dir: %w", err)
	}
	dbPath, err := cfger.DatabasePath(c.cfg)
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}

	st, err := store.Open(dbPath, c.logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("preparing schema: %w", err)
	}
	if err := st.SeedPricesIfEmpty(ctx, pricing.Defaults()); err != nil {
		return fmt.Errorf("seeding prices: %w", err)
	}
	c.logger.Info("using analytics database", zap.String("path", dbPath))

	table, err := c.loadPriceTable(ctx, st)
	if err != nil {
		return err
	}

	var requests *reqlog.Logger
	if c.cfg.Server.RequestLogPath != "" {
		requests, err = reqlog.Open(c.cfg.Server.RequestLogPath, c.logger)
		if err != nil {
			return fmt.Errorf("opening request log: %w", err)
		}
		c.logger.Info("request logging enabled", zap.String("path", c.cfg.Server.RequestLogPath))
	}
	defer requests.Close()

	var publisher eventstream.Publisher
	if len(c.cfg.EventStream.Brokers) > 0 {
		publisher = kafka.NewPublisher(c.cfg.EventStream.Brokers, c.cfg.EventStream.Topic)
		defer publisher.Close()
		c.logger.Info("event stream mirroring enabled",
			zap.Strings("brokers", c.cfg.EventStream.Brokers),
			zap.String("topic", c.cfg.EventStream.Topic),
		)
	}

	agg := aggregator.New(st, publisher, c.logger, 0)
	defer agg.Close()

	p := proxy.New(proxy.Config{
		ListenAddr:      c.cfg.Server.ListenAddr,
		PublicBasePath:  c.cfg.Server.PublicBasePath,
		UpstreamBaseURL: c.cfg.Server.UpstreamBaseURL,
		Prices:          table,
		Requests:        requests,
	}, agg, c.logger)

	// Bind eagerly so an unusable address fails the command instead of
	// surfacing later as client connection errors.
	listener, err := net.Listen("tcp", c.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", c.cfg.Server.ListenAddr, err)
	}

	errChan := make(chan error, 2)
	go func() {
		if err := p.RunWithListener(listener); err != nil {
			errChan <- fmt.Errorf("proxy error: %w", err)
		}
	}()

	ingestCtx, cancelIngest := context.WithCancel(ctx)
	defer cancelIngest()
	if c.cfg.Ingest.SessionLogPath != "" {
		tailer := ingest.New(c.cfg.Ingest.SessionLogPath, agg, c.logger, c.configDir)
		c.logger.Info("session log ingestion enabled",
			zap.String("path", c.cfg.Ingest.SessionLogPath),
		)
		go func() {
			if err := tailer.Run(ingestCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("session log ingest error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		_ = p.Close()
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	}

	// Shutdown order: stop accepting traffic, stop tailing, then drain the
	// request log and the aggregator before the deferred store close.
	if err := p.Close(); err != nil {
		c.logger.Warn("proxy shutdown error", zap.Error(err))
	}
	cancelIngest()
	agg.Close()

	if totals, err := st.TotalsSince(ctx, startedAt); err == nil {
		c.logger.Info("usage recorded this run",
			zap.Uint64("prompt_tokens", totals.PromptTokens),
			zap.Uint64("completion_tokens", totals.CompletionTokens),
			zap.Float64p("cost_usd", totals.CostUSD),
		)
	}

	return nil
}

// loadPriceTable builds the emit-time price table from the persisted
// rows so the proxy and the store views price against the same data.
func (c *serveCommander) loadPriceTable(ctx context.Context, st *store.Store) (*pricing.Table, error) {
	rows, err := st.ListPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading prices: %w", err)
	}
	prices := make([]pricing.Price, 0, len(rows))
	for _, row := range rows {
		prices = append(prices, row.Price)
	}
	return pricing.NewTable(prices), nil
}
