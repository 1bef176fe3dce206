package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"calsync/internal/config"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/notify"
	"calsync/internal/runner"
	"calsync/internal/tracker"
	"calsync/internal/web"
)

const version = "0.3.0"

// options are parsed from the command line and the environment.
type options struct {
	ConfigPath string `short:"c" long:"config" env:"CALSYNC_CONFIG" default:"/etc/calsync/config.yaml" description:"Path to config file"`
	Listen     string `long:"listen" env:"CALSYNC_LISTEN" description:"Status server address (overrides config if set)"`
	Once       bool   `long:"once" description:"Run one sync and exit; the exit status reflects the result"`
	Debug      bool   `long:"debug" description:"Enable debug logging"`

	Secrets config.Secrets `group:"Secrets"`
}

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	opts, ok := parseOptions()
	if !ok {
		return 2
	}
	if opts == nil {
		return 0
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", opts.ConfigPath)
		return 1
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	level := appLog.Level(strings.ToUpper(cfg.Log.Level))
	if opts.Debug {
		level = appLog.LevelDebug
	}
	if err := appLog.Configure(level, cfg.Log.Format); err != nil {
		appLog.Error("failed to configure logging", err)
		return 1
	}
	defer appLog.Sync()

	appLog.Info("calsync starting", "version", version)

	if err := opts.Secrets.Validate(); err != nil {
		appLog.Error("missing credentials", err)
		return 1
	}
	feeds, err := cfg.ResolveFeeds(opts.Secrets)
	if err != nil {
		appLog.Error("invalid feed configuration", err)
		return 1
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		appLog.Error("invalid timezone", err, "timezone", cfg.Timezone)
		return 1
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"horizon_days", cfg.HorizonDays,
		"concurrency", cfg.Concurrency,
		"feeds", len(feeds),
		"mail", opts.Secrets.MailEnabled(),
		"once", opts.Once,
	)

	m := metrics.New()
	r, err := buildRunner(cfg, opts.Secrets, feeds, loc, m)
	if err != nil {
		appLog.Error("failed to set up sync", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.Once {
		if _, err := r.Run(ctx); err != nil {
			appLog.Error("sync failed", err)
			return 1
		}
		return 0
	}

	if err := serve(ctx, cfg, loc, r, m); err != nil {
		appLog.Error("service stopped with error", err)
		return 1
	}
	appLog.Info("calsync exiting")
	return 0
}

func parseOptions() (*options, bool) {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, true
		}
		return nil, false
	}
	return &opts, true
}

func buildRunner(cfg *config.Config, s config.Secrets, feeds []config.FeedConfig, loc *time.Location, m *metrics.Metrics) (*runner.Runner, error) {
	userAgent := "calsync/" + version

	p := cfg.Notion.Properties
	client := tracker.New(tracker.Options{
		BaseURL:    cfg.Notion.BaseURL,
		Token:      s.NotionToken,
		APIVersion: cfg.Notion.APIVersion,
		UserAgent:  userAgent,
		DatabaseID: s.DatabaseID,
		BotID:      s.IntegrationID,
		Properties: tracker.Properties{
			Title:   p.Title,
			Date:    p.Date,
			Minutes: p.Minutes,
			Area:    p.Area,
			Done:    p.Done,
		},
		Location:          loc,
		RequestsPerSecond: cfg.Notion.RequestsPerSecond,
	})

	var notifier notify.Notifier = notify.Log{}
	if s.MailEnabled() {
		smtp, err := notify.NewSMTP(notify.SMTPConfig{
			Host:     s.SMTPServer,
			Port:     cfg.SMTP.Port,
			Username: s.SMTPUser,
			Password: s.SMTPPass,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		appLog.Info("failure reports enabled", "to", smtp.Recipient())
		notifier = smtp
	}

	runFeeds := make([]runner.Feed, len(feeds))
	for i, f := range feeds {
		runFeeds[i] = runner.Feed{URL: f.URL, AreaID: f.AreaID}
	}

	return runner.New(runner.Options{
		Tracker: client,
		Fetcher: ics.NewFetcher(ics.FetcherOptions{
			CacheDir:  cfg.CacheDir,
			Timeout:   30 * time.Second,
			UserAgent: userAgent,
		}),
		Importer: &ics.Importer{
			Location:    loc,
			HorizonDays: cfg.HorizonDays,
		},
		Feeds:       runFeeds,
		Notifier:    notifier,
		Metrics:     m,
		Location:    loc,
		Concurrency: cfg.Concurrency,
	}), nil
}

// serve runs a sync at start and then on the refresh schedule until ctx is
// cancelled. The status server runs alongside when configured.
func serve(ctx context.Context, cfg *config.Config, loc *time.Location, r *runner.Runner, m *metrics.Metrics) error {
	syncOnce := func() {
		if _, err := r.Run(ctx); err != nil {
			if errors.Is(err, runner.ErrRunInProgress) {
				appLog.Warn("sync skipped; previous run still active")
				return
			}
			appLog.Error("sync failed", err)
		}
	}

	stopSchedule, err := schedule(cfg.RefreshCron, loc, syncOnce)
	if err != nil {
		return err
	}
	defer stopSchedule()

	if cfg.Listen == "" {
		<-ctx.Done()
		appLog.Info("signal received, shutting down")
		return nil
	}

	srv := web.NewServer(web.Options{
		Runs:        r,
		Metrics:     m.Handler(),
		BasicAuth:   cfg.BasicAuth,
		BaseContext: ctx,
	})
	return srv.ListenAndServe(ctx, cfg.Listen)
}

// schedule runs job once now and then on spec. The returned stop func
// waits for every running job, including the first one.
func schedule(spec string, loc *time.Location, job func()) (func(), error) {
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
		cron.WithLogger(cronLogger{}),
	)
	if _, err := c.AddFunc(spec, job); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}

	var startup sync.WaitGroup
	startup.Add(1)
	go func() {
		defer startup.Done()
		job()
	}()
	c.Start()

	return func() {
		<-c.Stop().Done()
		startup.Wait()
	}, nil
}

// cronLogger routes scheduler messages to the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
