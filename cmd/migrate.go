package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/facereg/internal/config"
	"github.com/example/facereg/internal/logging"
	"github.com/example/facereg/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the student directory schema",
	Long: `Enable the pgvector extension and create or update the students table.
The serve command runs the same migration on startup.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	repo, cleanup, err := openDirectory(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := repo.AutoMigrate(cmd.Context()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Println("Student directory schema is up to date")
	return nil
}

// openDirectory loads configuration and connects to the student directory.
func openDirectory(ctx context.Context) (*repository.StudentRepository, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := initDatabase(connectCtx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		_ = logger.Sync()
	}
	return repository.NewStudentRepository(db, logger), cleanup, nil
}
