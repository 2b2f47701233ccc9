package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"keyvault-service/config"
	"keyvault-service/internal/domain"
	"keyvault-service/internal/infra"
	"keyvault-service/internal/repository"
	"keyvault-service/internal/usecase"
	"keyvault-service/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long:  "Manage database migrations for the relational key record store",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Long:  "Apply all pending migrations to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationService, err := newMigrationService()
		if err != nil {
			return err
		}

		// マイグレーション実行
		appliedCount, err := migrationService.ApplyMigrations(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		if appliedCount == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
		}

		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Show the status of all migrations (applied/pending)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationService, err := newMigrationService()
		if err != nil {
			return err
		}

		// マイグレーションステータスを取得
		statuses, err := migrationService.GetMigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		// テーブル形式で出力
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
		fmt.Fprintln(w, "-------\t----\t------\t----------")

		for _, migration := range statuses {
			appliedAt := "-"
			if migration.AppliedAt != nil {
				appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
			}

			status := "pending"
			if migration.Status == domain.MigrationStatusApplied {
				status = "applied"
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, status, appliedAt)
		}

		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush output: %w", err)
		}

		return nil
	},
}

// newMigrationService は環境変数の設定でDBに接続し、MigrationServiceを生成する。
// MIGRATIONS_DIR が存在するディレクトリならそのファイルを、なければ埋め込みのSQLを使う。
func newMigrationService() (*usecase.MigrationService, error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrationFiles(cfg)), nil
}

func migrationFiles(cfg *config.Config) fs.FS {
	if info, err := os.Stat(cfg.MigrationsDir); err == nil && info.IsDir() {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
