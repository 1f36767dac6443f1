package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"presencehub/internal/app"
	"presencehub/internal/config"
	"presencehub/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "presencehub",
		Short: "Classroom presence and lesson coordination server",
		Long: `presencehub tracks which users are connected over WebSocket, mirrors
that presence into SQLite, and coordinates timed lessons started by lead
students.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PRESENCEHUB_CONFIG_FILE"),
		"config file (.json, .yaml or .yml); environment and defaults apply otherwise")

	loadConfig := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(loadConfig),
		newMigrateCmd(loadConfig),
		newResetPresenceCmd(loadConfig),
		newUserCmd(loadConfig),
	)
	return root
}

type configLoader func() (*config.Config, error)

func newServeCmd(loadConfig configLoader) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the presence server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			application, err := app.NewApplication(cfg)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			ctx := cmd.Context()
			if err := application.Start(ctx); err != nil {
				_ = application.Stop(context.Background())
				return fmt.Errorf("failed to start: %w", err)
			}

			<-ctx.Done()
			log.Printf("Shutdown requested")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return application.Stop(shutdownCtx)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for open requests on shutdown")
	return cmd
}

func newMigrateCmd(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", cfg.Database.Path)
			return nil
		},
	}
}

func newResetPresenceCmd(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-presence",
		Short: "Mark every user inactive",
		Long:  "Clears active flags left behind by a server that did not shut down cleanly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.ResetActive(cmd.Context()); err != nil {
				return fmt.Errorf("failed to reset presence: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All users marked inactive")
			return nil
		},
	}
}

func newUserCmd(loadConfig configLoader) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var (
		id       string
		username string
		surname  string
		email    string
		role     string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user or update an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user := &types.UserIdentity{
				ID:       id,
				Username: username,
				Surname:  surname,
				Role:     types.Role(role),
			}
			if err := store.UpsertUser(cmd.Context(), user, email); err != nil {
				return fmt.Errorf("failed to save user %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved user %s (%s)\n", id, role)
			return nil
		},
	}
	addCmd.Flags().StringVar(&id, "id", "", "user id")
	addCmd.Flags().StringVar(&username, "username", "", "given name")
	addCmd.Flags().StringVar(&surname, "surname", "", "family name")
	addCmd.Flags().StringVar(&email, "email", "", "email address")
	addCmd.Flags().StringVar(&role, "role", string(types.RoleStudent), "student, lead_student or admin")
	_ = addCmd.MarkFlagRequired("id")

	userCmd.AddCommand(addCmd)
	return userCmd
}
