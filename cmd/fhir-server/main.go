package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/config"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/store"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fhir-server",
		Short:        "FHIR resource store and search server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(reindexCmd())
	root.AddCommand(catalogCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQL schema",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openSQL(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			count, err := db.NewSchemaMigrator(conn).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openSQL(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			statuses, err := db.NewSchemaMigrator(conn).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})
	return cmd
}

func reindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild search index, reference and compartment rows after a catalog change",
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType, _ := cmd.Flags().GetString("type")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			cat, err := catalog.Load(cfg.SearchParamsFile)
			if err != nil {
				return err
			}
			backend, _, err := openBackend(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			s := store.New(backend, cat, logger, store.Options{UpdateCreate: cfg.UpdateCreate})
			n, err := s.Reindex(cmd.Context(), resourceType)
			if err != nil {
				return fmt.Errorf("reindex failed after %d resource(s): %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d resource(s) with catalog %s.\n", n, cat.Version())
			return nil
		},
	}
	cmd.Flags().String("type", "", "Resource type to reindex (all types when empty)")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the effective search parameter catalog as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if !cmd.Flags().Changed("file") {
				path = os.Getenv("SEARCH_PARAMS_FILE")
			}
			cat, err := catalog.Load(path)
			if err != nil {
				return err
			}
			out, err := cat.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().String("file", "", "Overlay file (defaults to SEARCH_PARAMS_FILE)")
	return cmd
}

// openSQL connects to the configured SQL backend.
func openSQL(ctx context.Context) (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	opts, ok := dbOptions(cfg)
	if !ok {
		return nil, fmt.Errorf("STORE_BACKEND %q has no schema to migrate", cfg.StoreBackend)
	}
	return db.Open(ctx, opts)
}
