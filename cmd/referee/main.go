package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/referee-bot/referee/automod/warningstore"
	"github.com/referee-bot/referee/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "referee",
		Usage:   "chat moderation warning tracker",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"REFEREE_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-fmt",
			Usage:   "log format (text or json)",
			EnvVars: []string{"REFEREE_LOG_FMT", "LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "warning store database (sqlite://, postgres://, or mem://)",
			Value:   "sqlite://data/referee/warnings.db",
			EnvVars: []string{"REFEREE_DATABASE_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"REFEREE_MAX_DB_CONNECTIONS"},
			Value:   20,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL, for shared guild state, counters, and caches (in-process if not set)",
			EnvVars: []string{"REFEREE_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "guild-file",
			Usage:   "JSON file of roles and members to seed the guild with",
			EnvVars: []string{"REFEREE_GUILD_FILE"},
		},
		&cli.IntFlag{
			Name:    "bot-position",
			Usage:   "rank of the bot's own top role; roles at or above it can not be managed (0 to disable checks)",
			EnvVars: []string{"REFEREE_BOT_POSITION"},
		},
		&cli.StringFlag{
			Name:    "marker-role",
			Usage:   "name of the role marking members with active warnings",
			Value:   "Warned",
			EnvVars: []string{"REFEREE_MARKER_ROLE"},
		},
		&cli.DurationFlag{
			Name:    "warning-lifetime",
			Usage:   "how long a warning stays active",
			Value:   24 * time.Hour,
			EnvVars: []string{"REFEREE_WARNING_LIFETIME"},
		},
		&cli.DurationFlag{
			Name:    "dedupe-window",
			Usage:   "ignore repeat warnings for the same member from the same issuer within this window (0 to disable)",
			EnvVars: []string{"REFEREE_DEDUPE_WINDOW"},
		},
		&cli.Float64Flag{
			Name:    "marker-rate-limit",
			Usage:   "max marker role changes per second (0 for no limit)",
			Value:   5,
			EnvVars: []string{"REFEREE_MARKER_RATE_LIMIT"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		warnCmd,
		clearCmd,
		warningsCmd,
		activeCmd,
		historyCmd,
		sweepCmd,
		checkCmd,
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-fmt"),
		})
		return err
	}

	return app.Run(args)
}

func configFromCLI(cctx *cli.Context) Config {
	return Config{
		Logger:              slog.Default(),
		DatabaseURL:         cctx.String("database-url"),
		MaxDBConns:          cctx.Int("max-db-connections"),
		RedisURL:            cctx.String("redis-url"),
		GuildFile:           cctx.String("guild-file"),
		BotPosition:         cctx.Int("bot-position"),
		MarkerRoleName:      cctx.String("marker-role"),
		WarningLifetime:     cctx.Duration("warning-lifetime"),
		DedupeWindow:        cctx.Duration("dedupe-window"),
		MarkerRateLimit:     cctx.Float64("marker-rate-limit"),
		SenderID:            cctx.String("sender-id"),
		RestrictionRoleName: cctx.String("restriction-role"),
		EscalationBase:      cctx.Duration("escalation-base"),
		EscalationFactor:    cctx.Float64("escalation-factor"),
		MaxPunishment:       cctx.Duration("max-punishment"),
		PunishmentQuota:     cctx.Int("punishment-quota"),
		SlackWebhookURL:     cctx.String("slack-webhook-url"),
		Bind:                cctx.String("bind"),
		SweepPeriod:         cctx.Duration("sweep-period"),
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3979",
			EnvVars: []string{"REFEREE_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3978",
			EnvVars: []string{"REFEREE_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "sweep-period",
			Usage:   "how often to reconcile marker roles for the whole roster",
			Value:   120 * time.Second,
			EnvVars: []string{"REFEREE_SWEEP_PERIOD"},
		},
		&cli.StringFlag{
			Name:    "sender-id",
			Usage:   "user ID of the moderation bot whose notifications are parsed",
			Value:   "155149108183695360",
			EnvVars: []string{"REFEREE_SENDER_ID"},
		},
		&cli.StringFlag{
			Name:    "restriction-role",
			Usage:   "name of the role applied as an automated punishment",
			Value:   "Muted",
			EnvVars: []string{"REFEREE_RESTRICTION_ROLE"},
		},
		&cli.DurationFlag{
			Name:    "escalation-base",
			Usage:   "punishment duration for a second active warning (0 disables punishments)",
			Value:   time.Hour,
			EnvVars: []string{"REFEREE_ESCALATION_BASE"},
		},
		&cli.Float64Flag{
			Name:    "escalation-factor",
			Usage:   "punishment duration multiplier for each further active warning",
			Value:   4,
			EnvVars: []string{"REFEREE_ESCALATION_FACTOR"},
		},
		&cli.DurationFlag{
			Name:    "max-punishment",
			Usage:   "upper bound on a single punishment (0 for no bound)",
			EnvVars: []string{"REFEREE_MAX_PUNISHMENT"},
		},
		&cli.IntFlag{
			Name:    "punishment-quota",
			Usage:   "max automated punishments per day (0 for no limit)",
			Value:   50,
			EnvVars: []string{"REFEREE_PUNISHMENT_QUOTA"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook, for punishment notifications",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := slog.Default()

		traced, shutdownOTEL, err := configOTEL(ctx, "referee")
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownOTEL(ctx)
		}()

		config := configFromCLI(cctx)
		config.TraceDB = traced
		srv, err := NewServer(ctx, config)
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				logger.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run referee service: %w", err)
		}
		return nil
	},
}

// Builds an engine for one-shot operator commands. Automated punishments are disabled, since the process would exit before releasing them.
func oneshotServer(cctx *cli.Context) (*Server, error) {
	srv, err := NewServer(cctx.Context, configFromCLI(cctx))
	if err != nil {
		return nil, err
	}
	srv.Engine.Escalator = nil
	return srv, nil
}

var warnCmd = &cli.Command{
	Name:      "warn",
	Usage:     "issue a warning to a member (automated punishments only apply under 'run')",
	ArgsUsage: "<member> [reason...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "issuer",
			Usage:    "name of the moderator issuing the warning",
			Required: true,
		},
	},
	Action: func(cctx *cli.Context) error {
		ref := cctx.Args().First()
		if ref == "" {
			return fmt.Errorf("need to provide member as an argument")
		}
		reason := strings.Join(cctx.Args().Tail(), " ")
		if reason == "" {
			reason = "None"
		}
		srv, err := oneshotServer(cctx)
		if err != nil {
			return err
		}
		defer srv.Close()
		ctx := cctx.Context
		m, err := srv.Engine.ResolveSubject(ctx, ref)
		if err != nil {
			return err
		}
		w, err := srv.Engine.RecordWarning(ctx, m.ID, reason, cctx.String("issuer"), time.Time{})
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "warned %s (%s)\n", m.DisplayName(), m.ID)
		writeWarning(cctx.App.Writer, w, true)
		return nil
	},
}

var clearCmd = &cli.Command{
	Name:      "clear",
	Usage:     "expire all active warnings for a member",
	ArgsUsage: "<member>",
	Action: func(cctx *cli.Context) error {
		ref := cctx.Args().First()
		if ref == "" {
			return fmt.Errorf("need to provide member as an argument")
		}
		srv, err := oneshotServer(cctx)
		if err != nil {
			return err
		}
		defer srv.Close()
		m, err := srv.Engine.ResolveSubject(cctx.Context, ref)
		if err != nil {
			return err
		}
		n, err := srv.Engine.ClearWarnings(cctx.Context, m.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "cleared %d warnings for %s\n", n, m.DisplayName())
		return nil
	},
}

var warningsCmd = &cli.Command{
	Name:      "warnings",
	Aliases:   []string{"warns"},
	Usage:     "list all warnings (active and expired) for a member",
	ArgsUsage: "<member>",
	Action: func(cctx *cli.Context) error {
		ref := cctx.Args().First()
		if ref == "" {
			return fmt.Errorf("need to provide member as an argument")
		}
		srv, err := oneshotServer(cctx)
		if err != nil {
			return err
		}
		defer srv.Close()
		ctx := cctx.Context
		m, err := srv.Engine.ResolveSubject(ctx, ref)
		if err != nil {
			return err
		}
		all, err := srv.Engine.ListWarnings(ctx, m.ID)
		if err != nil {
			return err
		}
		active, err := srv.Engine.ListActiveWarnings(ctx, m.ID)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Fprintf(cctx.App.Writer, "No warnings for %s\n", m.Tag())
			return nil
		}
		fmt.Fprintf(cctx.App.Writer, "%s: %d warnings (%d active)\n", m.DisplayName(), len(all), len(active))
		isActive := map[uint64]bool{}
		for _, w := range active {
			isActive[w.ID] = true
		}
		for i := range all {
			fmt.Fprintln(cctx.App.Writer)
			writeWarning(cctx.App.Writer, &all[i], isActive[all[i].ID])
		}
		return nil
	},
}

var historyCmd = &cli.Command{
	Name:  "history",
	Usage: "list every warning ever recorded, grouped by member",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "subjects-only",
			Usage: "only print the members who have ever been warned",
		},
	},
	Action: func(cctx *cli.Context) error {
		srv, err := oneshotServer(cctx)
		if err != nil {
			return err
		}
		defer srv.Close()
		ctx := cctx.Context
		if cctx.Bool("subjects-only") {
			subjects, err := srv.Engine.ListWarnedSubjects(ctx)
			if err != nil {
				return err
			}
			for _, subject := range subjects {
				fmt.Fprintln(cctx.App.Writer, subjectLabel(ctx, srv, subject))
			}
			return nil
		}

		grouped, err := srv.Engine.ListAllWarnings(ctx)
		if err != nil {
			return err
		}
		for subject, warnings := range grouped {
			fmt.Fprintf(cctx.App.Writer, "User: %s (%d warnings)\n", subjectLabel(ctx, srv, subject), len(warnings))
			for i := range warnings {
				writeWarning(cctx.App.Writer, &warnings[i], true)
			}
			fmt.Fprintln(cctx.App.Writer)
		}
		return nil
	},
}

var activeCmd = &cli.Command{
	Name:      "active",
	Usage:     "list active warnings, for one member or for everybody",
	ArgsUsage: "[member]",
	Action: func(cctx *cli.Context) error {
		srv, err := oneshotServer(cctx)
		if err != nil {
			return err
		}
		defer srv.Close()
		ctx := cctx.Context
		if ref := cctx.Args().First(); ref != "" {
			m, err := srv.Engine.ResolveSubject(ctx, ref)
			if err != nil {
				return err
			}
			active, err := srv.Engine.ListActiveWarnings(ctx, m.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cctx.App.Writer, "%s: %d active warnings\n", m.DisplayName(), len(active))
			for i := range active {
				fmt.Fprintln(cctx.App.Writer)
				writeWarning(cctx.App.Writer, &active[i], true)
			}
			return nil
		}

		grouped, err := srv.Engine.ListAllActive(ctx)
		if err != nil {
			return err
		}
		if len(grouped) == 0 {
			fmt.Fprintln(cctx.App.Writer, "No active warnings")
			return nil
		}
		for subject, warnings := range grouped {
			fmt.Fprintf(cctx.App.Writer, "User: %s (%d active)\n", subjectLabel(cctx.Context, srv, subject), len(warnings))
			for i := range warnings {
				writeWarning(cctx.App.Writer, &warnings[i], true)
			}
			fmt.Fprintln(cctx.App.Writer)
		}
		return nil
	},
}

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "reconcile marker roles for every member, once",
	Action: func(cctx *cli.Context) error {
		srv, err := oneshotServer(cctx)
		if err != nil {
			return err
		}
		defer srv.Close()
		stats, err := srv.Engine.Sweep(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "checked=%d assigned=%d removed=%d errors=%d\n", stats.Checked, stats.Assigned, stats.Removed, stats.Errors)
		return nil
	},
}

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "reconcile the marker role for a single member",
	ArgsUsage: "<member>",
	Action: func(cctx *cli.Context) error {
		ref := cctx.Args().First()
		if ref == "" {
			return fmt.Errorf("need to provide member as an argument")
		}
		srv, err := oneshotServer(cctx)
		if err != nil {
			return err
		}
		defer srv.Close()
		m, err := srv.Engine.ResolveSubject(cctx.Context, ref)
		if err != nil {
			return err
		}
		status, err := srv.Engine.CheckMember(cctx.Context, m.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "%s: flagged=%v active=%d action=%s\n", m.DisplayName(), status.Flagged, len(status.Active), status.Action)
		return nil
	},
}

func subjectLabel(ctx context.Context, srv *Server, subject string) string {
	m, err := srv.Engine.Directory.GetMember(ctx, subject)
	if err != nil {
		return subject + " (not found)"
	}
	return fmt.Sprintf("%s (%s)", m.Tag(), subject)
}

func writeWarning(w io.Writer, warning *warningstore.Warning, expiration bool) {
	fmt.Fprintf(w, "Date: %s\n", warning.IssuedAt.Format(time.DateTime))
	if expiration {
		fmt.Fprintf(w, "Expires: %s\n", warning.ExpiresAt.Format(time.DateTime))
	}
	fmt.Fprintf(w, "Reason: %s\n", warning.Reason)
	fmt.Fprintf(w, "Mod: %s\n", warning.IssuerName)
}
