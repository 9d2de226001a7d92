package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"calsync/internal/api"
	"calsync/internal/config"
	"calsync/internal/models"
	"calsync/internal/scheduler"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calsync",
		Usage: "Keep workspace calendars in sync with Google, Microsoft and CalDAV accounts.",
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			migrateCommand(),
			authCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the management API and the sync scheduler.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Override the listen address."},
			&cli.BoolFlag{Name: "migrate", Value: true, Usage: "Apply pending migrations on startup."},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if c.IsSet("listen") {
				a.cfg.ListenAddr = c.String("listen")
			}
			if c.Bool("migrate") {
				if err := a.store.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to migrate: %w", err)
				}
			}

			orch := a.orchestrator(a.syncer(false))
			sched, err := scheduler.NewScheduler(a.logger, orch, a.cfg.Sync.ImmediateSchedule, a.cfg.Sync.ExtendedSchedule)
			if err != nil {
				return err
			}
			router := api.NewRouter(a.logger, api.Options{
				APISecret:         a.cfg.Security.APISecret,
				PrometheusEnabled: a.cfg.PrometheusEnabled,
				RateLimit:         a.cfg.APIRateLimit,
			}, a.registry, a.store, orch)
			srv := &http.Server{Addr: a.cfg.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sched.Start(gctx) })
			g.Go(func() error {
				a.logger.Info("Listening.", "addr", a.cfg.ListenAddr, "providers", len(a.adapters))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one tier once and exit.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tier", Value: string(models.TierImmediate), Usage: "immediate or extended."},
			&cli.StringFlag{Name: "ws", Usage: "Only sync this workspace."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
		},
		Action: func(c *cli.Context) error {
			tier, err := models.ParseTier(c.String("tier"))
			if err != nil {
				return err
			}
			a, err := loadApp(c.Context)
			if err != nil {
				return err
			}
			defer a.Close()

			if c.Bool("dry-run") {
				a.logger.Info("Performing a dry run. No changes will be made.")
				return a.dryRun(c.Context, tier, c.String("ws"))
			}

			orch := a.orchestrator(a.syncer(false))
			defer orch.Close()
			if ws := c.String("ws"); ws != "" {
				job, err := orch.Dispatch(c.Context, ws, tier)
				if err != nil {
					return fmt.Errorf("failed to start sync for %s: %w", ws, err)
				}
				orch.Wait()
				a.logger.Info("Sync finished.", "wsID", ws, "tier", tier, "jobID", job.ID)
				return nil
			}
			report, err := orch.RunTier(c.Context, tier)
			if err != nil {
				return fmt.Errorf("tier run failed: %w", err)
			}
			orch.Wait()
			if report.Failed > 0 {
				return fmt.Errorf("%d workspaces could not be dispatched", report.Failed)
			}
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations.",
		Action: func(c *cli.Context) error {
			a, err := loadApp(c.Context)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Migrate(c.Context); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			a.logger.Info("Migrations applied.")
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Link a calendar account to a workspace and discover its calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Required: true, Usage: "google, microsoft or caldav."},
			&cli.StringFlag{Name: "ws", Required: true, Usage: "Workspace ID."},
			&cli.StringFlag{Name: "user", Required: true, Usage: "User ID within the workspace."},
			&cli.StringFlag{Name: "email", Usage: "Account email or CalDAV username."},
		},
		Action: func(c *cli.Context) error {
			p := models.Provider(c.String("provider"))
			if !p.Valid() {
				return fmt.Errorf("unknown provider %q", p)
			}
			a, err := loadApp(c.Context)
			if err != nil {
				return err
			}
			defer a.Close()
			a.logger.Info("Starting authentication flow.", "provider", p)

			reader := bufio.NewReader(os.Stdin)
			account := models.CalendarAccount{WsID: c.String("ws"), UserID: c.String("user"), Provider: p, AccountEmail: c.String("email")}

			if p == models.ProviderCalDAV {
				if account.AccountEmail == "" {
					account.AccountEmail = prompt(reader, "Enter the CalDAV username: ")
				}
				password := prompt(reader, "Enter the app-specific password: ")
				account.AccessToken, account.RefreshToken = password, password
			} else {
				oc := a.oauthConfig(p)
				if oc == nil {
					return fmt.Errorf("%s OAuth client is not configured", p)
				}
				authURL := oc.AuthCodeURL(uuid.NewString(), oauth2.AccessTypeOffline, oauth2.ApprovalForce)
				fmt.Printf("Go to the following link in your browser then type the "+
					"authorization code: \n%v\n", authURL)

				code := prompt(reader, "Enter Authorization Code: ")
				token, err := oc.Exchange(c.Context, code)
				if err != nil {
					return fmt.Errorf("unable to retrieve token from web: %w", err)
				}
				account.AccessToken, account.RefreshToken, account.ExpiresAt = token.AccessToken, token.RefreshToken, token.Expiry
				if account.AccountEmail == "" {
					account.AccountEmail = prompt(reader, "Enter the account email: ")
				}
			}

			created, err := a.store.CreateAccount(c.Context, account)
			if err != nil {
				return fmt.Errorf("failed to save account: %w", err)
			}
			res, err := a.registry.Discover(c.Context, created.ID)
			if err != nil {
				return fmt.Errorf("account saved but discovery failed: %w", err)
			}
			a.logger.Info("Successfully authenticated and discovered calendars.",
				"accountID", created.ID, "created", res.Created, "updated", res.Updated)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a management API bearer token.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "ws", Required: true, Usage: "Workspace the token may manage (repeatable)."},
			&cli.StringFlag{Name: "subject", Value: "dashboard"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			secret := config.New().GetString("security.api_secret")
			if len(secret) < 32 {
				return errors.New("CALSYNC_SECURITY_API_SECRET must be at least 32 characters long")
			}
			now := time.Now()
			tok, err := api.IssueToken(secret, api.Claims{
				Workspaces: c.StringSlice("ws"),
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   c.String("subject"),
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(c.Duration("ttl"))),
				},
			})
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
}

func prompt(r *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}

func setupLogger(level, format string) *slog.Logger {
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

	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
