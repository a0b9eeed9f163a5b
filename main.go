package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"foresync/auth"
	"foresync/browser"
	"foresync/config"
	"foresync/extract"
	"foresync/logger"
	"foresync/metrics"
	"foresync/ratelimit"
	"foresync/server"
	"foresync/session"
	"foresync/storage"
)

var (
	configFile string
	verbose    bool
	headless   bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "foresync",
		Short: "Student portal login and timetable sync",
		Long:  `Logs into the VTOP student portal with a human solving the captcha, then saves the timetable, attendance and academic calendar.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config/config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "Run browser in headless mode")

	rootCmd.AddCommand(createLoginCmd())
	rootCmd.AddCommand(createServeCmd())
	rootCmd.AddCommand(createStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createLoginCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "login",
		Short: "Log in interactively and extract portal data",
		Long: `Opens the portal login page in a visible browser. Solve the captcha and submit
the form there; a rejected password is asked for again on the terminal.`,
		RunE: runLogin,
	}

	cmd.Flags().String("output", "./data/output", "Directory for extracted artifacts")
	cmd.Flags().Bool("resume", false, "Reuse the saved session when it is still valid")
	cmd.Flags().Bool("skip-extract", false, "Stop after logging in")
	cmd.Flags().String("timetable-sem", "", "Timetable semester (e.g. S1, S2 or the option text)")
	cmd.Flags().String("attendance-sem", "", "Attendance semester")
	cmd.Flags().String("calendar-sem", "", "Academic calendar semester")
	cmd.Flags().String("class-group", "", "Academic calendar class group")

	return cmd
}

func createServeCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP backend",
		Long:  `Serves /start, /run, /resync, /file and /courses, one browser per session.`,
		RunE:  runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func createStatusCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "status",
		Short: "Show status and statistics",
		Long:  `Display configuration, today's login and extraction counts and the latest saved session.`,
		RunE:  runStatus,
	}

	cmd.Flags().String("export", "", "Write the full history as JSON to this path")
	return cmd
}

// Command runners

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := setupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	resume, _ := cmd.Flags().GetBool("resume")
	skipExtract, _ := cmd.Flags().GetBool("skip-extract")
	sel := extract.Selections{}
	sel.TimetableSemester, _ = cmd.Flags().GetString("timetable-sem")
	sel.AttendanceSemester, _ = cmd.Flags().GetString("attendance-sem")
	sel.CalendarSemester, _ = cmd.Flags().GetString("calendar-sem")
	sel.ClassGroup, _ = cmd.Flags().GetString("class-group")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewDatabase(cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	limiter := ratelimit.NewRateLimiter(cfg.Limits, log)

	rl, err := readline.NewEx(&readline.Config{Prompt: "> "})
	if err != nil {
		return fmt.Errorf("failed to open terminal: %w", err)
	}
	defer rl.Close()
	term := &terminal{rl: rl}

	// The captcha is solved by a person, so the browser is visible unless
	// --headless was given explicitly.
	opts := cfg.BrowserOptions()
	opts.Headless = cmd.Flags().Changed("headless") && headless

	b, err := browser.Launch(opts, log)
	if err != nil {
		return fmt.Errorf("failed to initialize browser: %w", err)
	}
	defer b.Close()

	page, err := b.NewPage("")
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	store := session.NewStore(cfg.Storage.SnapshotDir)
	mgr := auth.NewAuthManager(page, sessionID, cfg.AuthSettings(), log).
		WithPrompter(term).
		WithRecorder(db).
		WithSnapshots(store).
		WithLimiter(limiter)

	resumed := false
	if resume {
		snap, err := store.Load()
		switch {
		case errors.Is(err, session.ErrNoSnapshot):
			logger.Info("No saved session, logging in")
		case err != nil:
			logger.WithError(err).Warn("Failed to load saved session")
		default:
			if resumed = mgr.Resume(snap); !resumed {
				logger.Warn("Saved session expired, logging in again")
			}
		}
	}

	if !resumed {
		username, password, err := term.credentials(cfg.Portal.Username, cfg.Portal.Password)
		if err != nil {
			return err
		}
		fmt.Println("Solve the captcha in the browser window and press Sign In.")

		result, err := mgr.Login(ctx, auth.Credentials{Username: username, Password: password})
		if result == nil || !result.Success {
			if err == nil {
				err = errors.New("login not confirmed")
			}
			if auth.IsAttemptsExhausted(err) {
				return err
			}
			return fmt.Errorf("login failed: %w", err)
		}
		if err != nil {
			logger.WithError(err).Warn("Logged in but the session snapshot was not saved")
		}
		fmt.Printf("Logged in after %d attempt(s)\n", len(result.Attempts))
		if result.SnapshotPath != "" {
			fmt.Printf("Session saved to: %s\n", result.SnapshotPath)
		}
	} else {
		fmt.Println("Resumed saved session")
	}

	if skipExtract {
		return nil
	}

	ex := extract.NewExtractor(page, sessionID, cfg.ExtractSettings(), log).
		WithRecorder(db).
		WithLimiter(limiter)
	assets, err := ex.Run(ctx, output, sel)
	logger.WithFields(logrus.Fields(limiter.GetStats())).Info("Portal actions paced")
	if assets == nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	printAssets(assets)
	if err != nil {
		return fmt.Errorf("extraction interrupted: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := setupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Server.Addr
	}

	db, err := storage.NewDatabase(cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	opts := cfg.BrowserOptions()
	opts.Headless = headless
	registry, err := server.NewRegistry(cfg.Storage.SessionsDir, cfg.Server.SessionMaxAge,
		server.RodLauncher{Options: opts, Logger: log}, log)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:            addr,
		AllowedOrigin:   cfg.Server.AllowedOrigin,
		CleanupInterval: cfg.Server.CleanupInterval,
		RunTimeout:      cfg.Server.RunTimeout,
		Auth:            cfg.AuthSettings(),
		Extract:         cfg.ExtractSettings(),
	}, registry, log).
		WithMetrics(metrics.NewCollector("foresync", log)).
		WithHistory(db).
		WithLimiter(ratelimit.NewRateLimiter(cfg.Limits, log))

	logger.WithFields(logrus.Fields{
		"addr":         addr,
		"sessions_dir": registry.Root(),
		"headless":     opts.Headless,
	}).Info("Starting backend")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := setupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	db, err := storage.NewDatabase(cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if export, _ := cmd.Flags().GetString("export"); export != "" {
		if err := exportHistory(db, export); err != nil {
			return err
		}
		logger.WithField("path", export).Info("History exported")
		fmt.Printf("History exported to: %s\n", export)
		return nil
	}

	stats, err := db.GetDailyStats(time.Now())
	if err != nil {
		return fmt.Errorf("failed to get daily stats: %w", err)
	}

	fmt.Printf("ForeSync Status\n")
	fmt.Printf("===============\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Config file: %s\n", configFile)
	fmt.Printf("  Headless: %v\n", headless)
	fmt.Printf("  Login URL: %s\n", cfg.Portal.LoginURL)
	fmt.Printf("  Username: %s\n", maskUsername(cfg.Portal.Username))
	fmt.Printf("\n")
	fmt.Printf("Daily Statistics:\n")
	fmt.Printf("  Login attempts: %d\n", stats["login_attempts"])
	fmt.Printf("  Logins succeeded: %d\n", stats["logins_succeeded"])
	fmt.Printf("  Passwords rejected: %d\n", stats["credentials_rejected"])
	fmt.Printf("  Captchas rejected: %d\n", stats["challenges_rejected"])
	fmt.Printf("  Artifacts extracted: %d\n", stats["extractions"])
	fmt.Printf("\n")
	fmt.Printf("Limits:\n")
	fmt.Printf("  Daily logins: %d/%d\n", stats["login_attempts"], cfg.Limits.DailyLogins)

	if cfg.Portal.Username != "" {
		rec, err := db.GetLatestSnapshot(cfg.Portal.Username)
		if err != nil {
			return err
		}
		fmt.Printf("\nSaved session:\n")
		if rec == nil {
			fmt.Printf("  none\n")
		} else {
			fmt.Printf("  Path: %s\n", rec.Path)
			fmt.Printf("  Cookies: %d\n", rec.CookieCount)
			fmt.Printf("  Saved: %s\n", rec.SavedAt.Local().Format(time.RFC1123))
		}
	}

	return nil
}

// Helper functions

func setupLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	if verbose {
		level = "debug"
	}
	if err := logger.InitLogger(level, cfg.Format, cfg.Output, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge); err != nil {
		return nil, err
	}
	return logger.GetLogger(), nil
}

// terminal reads credentials from the controlling terminal.
type terminal struct {
	rl *readline.Instance
}

func (t *terminal) credentials(username, password string) (string, string, error) {
	if username == "" {
		t.rl.SetPrompt("Username: ")
		line, err := t.rl.Readline()
		if err != nil {
			return "", "", fmt.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if password == "" {
		pw, err := t.rl.ReadPassword("Password: ")
		if err != nil {
			return "", "", fmt.Errorf("failed to read password: %w", err)
		}
		password = string(pw)
	}
	if username == "" || password == "" {
		return "", "", errors.New("username and password are required")
	}
	return username, password, nil
}

func (t *terminal) PromptPassword(ctx context.Context, username string, attempt, maxAttempts int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prompt := fmt.Sprintf("Password for %s rejected. Password (attempt %d/%d): ", username, attempt, maxAttempts)
	pw, err := t.rl.ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	if len(pw) == 0 {
		return "", errors.New("empty password")
	}
	return string(pw), nil
}

func printAssets(a *extract.Assets) {
	fmt.Printf("Extraction finished\n")
	show := func(label, path string) {
		if path == "" {
			path = "-"
		}
		fmt.Printf("  %-20s %s\n", label+":", path)
	}
	show("Timetable", a.Timetable)
	show("Registered courses", a.RegisteredCourses)
	show("Attendance", a.Attendance)
	show("Attendance counts", a.AttendanceCounts)
	fmt.Printf("  %-20s %d image(s)\n", "Calendar:", len(a.Calendar))
	for kind, msg := range a.Failures {
		fmt.Printf("  failed %s: %s\n", kind, msg)
	}
}

func exportHistory(db *storage.Database, outputPath string) error {
	data, err := db.ExportData()
	if err != nil {
		return err
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.WriteFile(outputPath, jsonData, 0644)
}

func maskUsername(username string) string {
	if len(username) <= 4 {
		return username
	}
	return username[:4] + strings.Repeat("*", len(username)-4)
}
