package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"policy-backend/internal/analyses"
	"policy-backend/internal/bootstrap"
	"policy-backend/internal/prompts"
	"policy-backend/internal/shared/config"
	"policy-backend/internal/shared/server/middleware"
	"policy-backend/internal/shared/telemetry"
	"policy-backend/internal/statestore"
	"policy-backend/internal/uploads"
)

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "policyctl",
		Short:         "Run and inspect insurance policy analyses",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return telemetry.Init(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(newAnalyzeCmd(), newPromptsCmd(), newProbeCmd(), newTokenCmd())
	return root
}

func newAnalyzeCmd() *cobra.Command {
	var (
		userEmail   string
		policyIndex int
	)
	cmd := &cobra.Command{
		Use:   "analyze [pdf...]",
		Short: "Analyze policy PDFs and print the consolidated result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			intake := &uploads.Service{}
			files := make([]analyses.FileBlob, 0, len(args))
			for _, p := range args {
				data, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read %s: %w", p, err)
				}
				f, err := intake.Inspect(filepath.Base(p), data)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				files = append(files, analyses.FileBlob{Name: f.Name, MIMEType: f.MIMEType, Data: f.Data})
			}

			app, err := bootstrap.Build(ctx, config.Load())
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Orchestrator.Analyze(ctx, files, userEmail, policyIndex)
			if err != nil {
				return err
			}
			out, err := res.JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&userEmail, "user", "", "user identity (email) that owns the analysis")
	cmd.Flags().IntVar(&policyIndex, "policy", 1, "policy slot to store results under")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newPromptsCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "List the prompt battery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := prompts.NewDefaultLoader(dir).Load(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "parent\t%d bytes\n", len(cat.Parent))
			for _, name := range cat.Names() {
				fmt.Fprintf(w, "%s\t%d bytes\n", name, len(cat.Entries[name]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", os.Getenv("PROMPTS_DIR"), "template directory (defaults to the built-in battery)")
	return cmd
}

func newProbeCmd() *cobra.Command {
	var userEmail string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Write and read back a test document in the state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			app, err := bootstrap.Build(ctx, config.Load())
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := statestore.Probe(ctx, app.StateStore, userEmail)
			if err != nil {
				return fmt.Errorf("probe %s: %w", res.Path, err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"store": app.Config.StateStoreType,
				"probe": res,
			})
		},
	}
	cmd.Flags().StringVar(&userEmail, "user", "", "user identity to probe under")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		userEmail string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API token with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := config.Load().JWTSecret
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := middleware.SignToken([]byte(secret), userEmail, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userEmail, "user", "", "email claim of the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
