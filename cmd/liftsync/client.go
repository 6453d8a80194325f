package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/MarcoPoloResearchLab/liftsync/internal/config"
	"github.com/MarcoPoloResearchLab/liftsync/internal/database"
	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
	syncengine "github.com/MarcoPoloResearchLab/liftsync/internal/sync"
	"github.com/MarcoPoloResearchLab/liftsync/internal/users"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errRemoteNotConfigured = errors.New("remote.base_url is not configured")

// clientApp holds the local store and account service shared by the client commands.
type clientApp struct {
	config   config.AppConfig
	logger   *zap.Logger
	store    *fitness.Store
	accounts *users.Service
	close    func()
}

func openClientApp() (*clientApp, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(appConfig.Log)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	store, err := fitness.NewStore(fitness.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	accounts, err := users.NewService(users.ServiceConfig{Database: db, Store: store, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &clientApp{
		config:   appConfig,
		logger:   logger,
		store:    store,
		accounts: accounts,
		close: func() {
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}

func (a *clientApp) orchestrator() (*syncengine.Orchestrator, error) {
	if !a.config.RemoteConfigured() {
		return nil, errRemoteNotConfigured
	}
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: a.config.RemoteBaseURL,
		Token:   a.config.RemoteToken,
		Timeout: a.config.RemoteTimeout,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	return syncengine.NewOrchestrator(syncengine.OrchestratorConfig{
		Store:  a.store,
		Remote: client,
		Logger: a.logger,
	})
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openClientApp()
			if err != nil {
				return err
			}
			defer app.close()

			orchestrator, err := app.orchestrator()
			if err != nil {
				return err
			}
			result, err := orchestrator.Sync(cmd.Context())
			printResult(result)
			return err
		},
	}
}

func newWatchCommand() *cobra.Command {
	var intervalSeconds int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync periodically until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openClientApp()
			if err != nil {
				return err
			}
			defer app.close()

			orchestrator, err := app.orchestrator()
			if err != nil {
				return err
			}
			interval := app.config.SyncInterval
			if intervalSeconds > 0 {
				interval = secondsToDuration(intervalSeconds)
			}
			runner, err := syncengine.NewRunner(syncengine.RunnerConfig{
				Syncer:   orchestrator,
				Interval: interval,
				Logger:   app.logger,
			})
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			app.logger.Info("sync watcher starting", zap.Duration("interval", interval))
			return runner.Run(signalCtx)
		},
	}
	cmd.Flags().IntVar(&intervalSeconds, "interval-seconds", 0, "Override sync.interval_seconds")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the signed-in user, watermark and pending changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openClientApp()
			if err != nil {
				return err
			}
			defer app.close()
			return printStatus(cmd.Context(), app)
		},
	}
}

func printStatus(ctx context.Context, app *clientApp) error {
	owner, err := app.accounts.CurrentOwner(ctx)
	if err != nil {
		return err
	}
	if owner.IsGuest {
		color.Yellow("Guest mode: sync is off until you sign in")
	} else {
		color.Green("Signed in as %s (%s)", displayEmail(owner), owner.RemoteID)
		watermark, err := owner.Watermark()
		if err != nil {
			return err
		}
		if watermark == nil {
			fmt.Println("  Last sync: never")
		} else {
			fmt.Printf("  Last sync: %s\n", fitness.FormatWatermark(*watermark))
		}
	}

	if app.config.RemoteConfigured() {
		fmt.Printf("  Server: %s\n", app.config.RemoteBaseURL)
	} else {
		color.Yellow("  Server: not configured")
	}

	pending, err := app.store.PendingChanges(ctx, owner.ID)
	if err != nil {
		return err
	}
	byTable := make(map[string]int)
	for _, entry := range pending {
		byTable[entry.Table]++
	}
	tables := make([]string, 0, len(byTable))
	for table := range byTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	if len(pending) == 0 {
		color.Green("✓ No pending changes")
	} else {
		color.Yellow("%d pending change(s)", len(pending))
		for _, table := range tables {
			fmt.Printf("  %s: %d\n", table, byTable[table])
		}
	}

	if !owner.IsGuest {
		guest, err := app.accounts.Guest(ctx)
		if err != nil {
			return err
		}
		hasGuestData, err := app.accounts.HasGuestData(ctx, guest.ID)
		if err != nil {
			return err
		}
		if hasGuestData {
			color.Yellow("Guest data is waiting; run 'liftsync account assign-guest-data' to keep it")
		}
	}
	return nil
}

func printResult(result syncengine.Result) {
	if result.Skipped {
		color.Yellow("Sync skipped: no signed-in user")
		return
	}
	faint := color.New(color.Faint)
	if result.Downloaded {
		for _, kind := range result.Download.Kinds {
			if kind.Err != nil {
				color.Yellow("⚠ %s download failed: %v", kind.Kind, kind.Err)
				continue
			}
			faint.Printf("  %s: %d inserted, %d updated, %d deleted\n",
				kind.Kind, kind.Stats.Inserted, kind.Stats.Updated, kind.Stats.Deleted)
		}
		if held := result.Download.ConsecutiveHolds; held > 0 {
			color.Yellow("⚠ Watermark held (%d pass(es) in a row); the next sync re-downloads the same window", held)
		}
	}
	failed := result.Upload.Failed()
	for _, entry := range failed {
		color.Yellow("⚠ %s upload kept queued: %v", entry.Table, entry.Err)
	}
	if len(failed) == 0 {
		color.Green("✓ Sync complete (%d change(s) uploaded)", result.Upload.Completed())
		return
	}
	color.Yellow("Sync finished with %d change(s) left queued", len(failed))
}

func newAccountCommand() *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the signed-in account and guest data",
	}

	var (
		email         string
		remoteID      string
		keepGuestData bool
	)
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in, optionally moving guest data to the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openClientApp()
			if err != nil {
				return err
			}
			defer app.close()

			result, err := app.accounts.Login(cmd.Context(), users.LoginRequest{
				Email:           email,
				RemoteID:        remoteID,
				AssignGuestData: keepGuestData,
			})
			if err != nil {
				return err
			}
			color.Green("✓ Signed in as %s", displayEmail(result.User))
			if keepGuestData {
				fmt.Printf("  Guest rows moved: %d\n", result.Reassigned)
			}
			return nil
		},
	}
	loginCmd.Flags().StringVar(&email, "email", "", "Account email")
	loginCmd.Flags().StringVar(&remoteID, "remote-id", "", "Server-side account id (token subject)")
	loginCmd.Flags().BoolVar(&keepGuestData, "keep-guest-data", false, "Move data recorded as guest to this account")
	_ = loginCmd.MarkFlagRequired("remote-id")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Return to guest mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openClientApp()
			if err != nil {
				return err
			}
			defer app.close()
			if err := app.accounts.Logout(cmd.Context()); err != nil {
				return err
			}
			color.Green("✓ Signed out")
			return nil
		},
	}

	guestDataCmd := &cobra.Command{
		Use:   "guest-data",
		Short: "Report whether data recorded as guest exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openClientApp()
			if err != nil {
				return err
			}
			defer app.close()
			guest, err := app.accounts.Guest(cmd.Context())
			if err != nil {
				return err
			}
			hasData, err := app.accounts.HasGuestData(cmd.Context(), guest.ID)
			if err != nil {
				return err
			}
			if hasData {
				color.Yellow("Guest data present")
			} else {
				fmt.Println("No guest data")
			}
			return nil
		},
	}

	assignCmd := &cobra.Command{
		Use:   "assign-guest-data",
		Short: "Move data recorded as guest to the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openClientApp()
			if err != nil {
				return err
			}
			defer app.close()
			moved, err := app.accounts.AssignGuestDataToUser(cmd.Context())
			if err != nil {
				return err
			}
			color.Green("✓ Moved %d guest row(s)", moved)
			return nil
		},
	}

	accountCmd.AddCommand(loginCmd, logoutCmd, guestDataCmd, assignCmd)
	return accountCmd
}

func displayEmail(user fitness.User) string {
	if user.Email == "" {
		return user.RemoteID
	}
	return user.Email
}
