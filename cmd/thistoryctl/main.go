package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/config"
	"github.com/matheus3301/thistory/internal/daemon"
	"github.com/matheus3301/thistory/internal/profile"
	"github.com/matheus3301/thistory/internal/scheduler"
	"github.com/matheus3301/thistory/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	profileFlag string
	jsonFlag    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "thistoryctl",
	Short:         "Inspect and drive the conversation archive",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	syncCmd.Flags().String("depth", "", "full, sync or window=<duration> (default: chosen from the conversation state)")

	rootCmd.AddCommand(statusCmd, scanCmd, syncCmd, historyCmd, recoverCmd)
}

// resolve loads the configuration and the active profile name.
func resolve() (*config.Config, string, error) {
	cfg, err := config.Resolve(profile.ConfigPath())
	if err != nil {
		return nil, "", err
	}
	name := profile.Resolve(profileFlag, cfg.DefaultProfile)
	if err := profile.ValidateName(name); err != nil {
		return nil, "", err
	}
	return cfg, name, nil
}

// core is the archive opened outside the daemon.
type core struct {
	Profile   string
	Store     archive.Store
	DB        *store.DB
	Scheduler *scheduler.Scheduler
}

// withCore opens the profile's archive, runs fn and closes it again.
func withCore(ctx context.Context, fn func(c *core) error) error {
	cfg, name, err := resolve()
	if err != nil {
		return err
	}
	c := &core{Profile: name}
	app := fx.New(
		fx.NopLogger,
		daemon.CoreModule(daemon.Params{Profile: name, Config: cfg}),
		fx.Supply(zap.NewNop()),
		fx.Populate(&c.Store, &c.DB, &c.Scheduler),
	)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()
	return fn(c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
