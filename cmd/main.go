package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"wasync/internal/cache"
	"wasync/internal/config"
	"wasync/internal/fetcher"
	"wasync/internal/google"
	"wasync/internal/icloud"
	"wasync/internal/mutator"
	"wasync/internal/reconcile"
	"wasync/internal/syncer"
	"wasync/internal/wildapricot"
)

func main() {
	app := &cli.App{
		Name:  "wasync",
		Usage: "Sync Wild Apricot events to a shared calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Directory containing config.yaml."},
		},
		Commands: []*cli.Command{
			authCommand(),
			initCommand(),
			checkCommand(),
			syncCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	var paths []string
	if dir := c.String("config"); dir != "" {
		paths = append(paths, dir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.Log.Level), nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			oauthCfg, err := google.GetOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CredentialsFile)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthCfg, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			if err := google.SaveToken(cfg.Google.TokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", cfg.Google.TokenFile)
			return nil
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Find or create the shared calendar and print how to share it.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.ValidateCalendar(); err != nil {
				return err
			}

			dest, err := newDestination(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			id, created, err := dest.EnsureCalendar(c.Context, cfg.Calendar.Name, cfg.Calendar.Description, cfg.Calendar.TimeZone)
			if err != nil {
				return err
			}

			if created {
				fmt.Printf("Created calendar %q.\n", cfg.Calendar.Name)
			} else {
				fmt.Printf("Found existing calendar %q.\n", cfg.Calendar.Name)
			}
			fmt.Printf("Calendar ID: %s\n\n", id)
			fmt.Println("Set calendar.id (CALENDAR_ID) to this value to skip the lookup on every sync.")
			if cfg.Calendar.Backend == config.BackendGoogle {
				fmt.Println("To share the calendar with club members:")
				fmt.Println("  1. Open Google Calendar and find the calendar under 'My calendars'.")
				fmt.Println("  2. Choose 'Settings and sharing' from its menu.")
				fmt.Println("  3. Under 'Access permissions for events', tick 'Make available to public',")
				fmt.Println("     or add people under 'Share with specific people or groups'.")
				fmt.Println("  4. Copy the public address or the calendar ID under 'Integrate calendar'.")
			}
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Verify the Wild Apricot credentials by listing upcoming events.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.ValidateSource(); err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			source := newSource(logger, cfg, loc)
			if err := source.Authenticate(c.Context); err != nil {
				return err
			}
			since, err := cfg.Since(time.Now(), loc)
			if err != nil {
				return err
			}
			listing, err := source.ListEvents(c.Context, since)
			if err != nil {
				return err
			}
			if len(listing.Events) == 0 {
				return fmt.Errorf("no events found on or after %s", since.Format(time.DateOnly))
			}

			first := listing.Events[0]
			fmt.Printf("Found %d events (%d malformed).\n", len(listing.Events), listing.Malformed)
			fmt.Printf("First event: %s (id %d) at %s\n", first.Name, first.ID, first.Start.In(loc).Format(time.RFC1123))
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds. Overrides --once."},
			&cli.StringFlag{Name: "schedule", Usage: "Run sync on a cron schedule, e.g. '0 */6 * * *'. Overrides --watch."},
			&cli.BoolFlag{Name: "full-refresh", Usage: "Delete every event from the calendar before syncing."},
			&cli.BoolFlag{Name: "with-registrants", Usage: "Add registered members as attendees."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			dest, err := newDestination(ctx, logger, cfg)
			if err != nil {
				return err
			}
			calendarID := cfg.Calendar.ID
			if calendarID == "" {
				calendarID, _, err = dest.EnsureCalendar(ctx, cfg.Calendar.Name, cfg.Calendar.Description, cfg.Calendar.TimeZone)
				if err != nil {
					return err
				}
			}

			eventCache, err := cache.Open(logger, cfg.Sync.CacheFile)
			if err != nil {
				if errors.Is(err, cache.ErrLocked) {
					return fmt.Errorf("another sync is already running: %w", err)
				}
				return err
			}
			defer eventCache.Close()

			opts := syncer.Options{
				CalendarID:      calendarID,
				Location:        loc,
				FullRefresh:     c.Bool("full-refresh"),
				WithRegistrants: c.Bool("with-registrants") || cfg.Sync.WithRegistrants,
				DryRun:          c.Bool("dry-run"),
				Fetch: fetcher.Options{
					BatchSize:      cfg.Sync.BatchSize,
					MaxAttempts:    cfg.Sync.MaxAttempts,
					InitialBackoff: cfg.Sync.InitialBackoff,
					BatchDelay:     cfg.Sync.BatchDelay,
				},
				Reconcile: reconcile.Options{
					Keywords:        cfg.Sync.Keywords,
					TimeZone:        cfg.Calendar.TimeZone,
					DefaultDuration: cfg.Sync.DefaultDuration,
				},
			}
			if cfg.Sync.StartDate != "" {
				opts.StartDate, err = cfg.Since(time.Now(), loc)
				if err != nil {
					return err
				}
			}

			s := syncer.NewSyncer(logger, newSource(logger, cfg, loc), dest, eventCache, opts)

			spec := c.String("schedule")
			if spec == "" && c.IsSet("watch") {
				spec = fmt.Sprintf("@every %ds", c.Int("watch"))
			}
			if spec == "" {
				logger.Info("Running a single sync cycle.")
				if _, err := s.Sync(ctx); err != nil {
					return fmt.Errorf("single sync cycle failed: %w", err)
				}
				return nil
			}
			return runScheduled(ctx, logger, spec, s)
		},
	}
}

// runScheduled runs one cycle right away and then one per schedule tick until
// ctx is cancelled. A tick that arrives while a cycle is running is skipped.
func runScheduled(ctx context.Context, logger *slog.Logger, spec string, s *syncer.Syncer) error {
	cronLogger := &slogCronLogger{logger: logger}
	scheduler := cron.New(cron.WithLogger(cronLogger))

	job := cron.FuncJob(func() {
		if _, err := s.Sync(ctx); err != nil {
			logger.Error("Sync cycle failed", "error", err)
		}
	})
	wrapped := cron.NewChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)).Then(job)
	if _, err := scheduler.AddJob(spec, wrapped); err != nil {
		return fmt.Errorf("invalid schedule '%s': %w", spec, err)
	}

	logger.Info("Starting scheduler.", "schedule", spec)
	go wrapped.Run()
	scheduler.Start()

	<-ctx.Done()
	logger.Info("Shutting down scheduler.")
	<-scheduler.Stop().Done()
	return nil
}

// slogCronLogger adapts slog to cron.Logger.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l *slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

func newSource(logger *slog.Logger, cfg *config.Config, loc *time.Location) *wildapricot.Client {
	return wildapricot.NewClient(logger, wildapricot.Config{
		APIKey:    cfg.WildApricot.APIKey,
		AccountID: cfg.WildApricot.AccountID,
		APIURL:    cfg.WildApricot.APIURL,
		TokenURL:  cfg.WildApricot.TokenURL,
		Location:  loc,
	}, nil)
}

// destination is a calendar backend that can also locate its calendar.
type destination interface {
	mutator.Calendar
	EnsureCalendar(ctx context.Context, name, description, timeZone string) (string, bool, error)
}

func newDestination(ctx context.Context, logger *slog.Logger, cfg *config.Config) (destination, error) {
	switch cfg.Calendar.Backend {
	case config.BackendCalDAV:
		client, err := icloud.NewClient(logger, cfg.CalDAV.Endpoint, cfg.CalDAV.Username, cfg.CalDAV.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		return client, nil
	default:
		oauthCfg, err := google.GetOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to get google oauth config: %w", err)
		}
		client, err := google.NewClient(ctx, logger, oauthCfg, cfg.Google.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client: %w", err)
		}
		return client, nil
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
