package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"gorm.io/gorm"

	"keyvault-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	RecordMigration(ctx context.Context, tx *gorm.DB, version string) error
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
}

// MigrationService はスキーママイグレーションを適用する。
type MigrationService struct {
	repo       MigrationRepository
	db         *gorm.DB
	migrations fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
// migrations は {version}_{name}.sql を直下に持つファイルシステム（埋め込みまたはos.DirFS）。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, migrations fs.FS) *MigrationService {
	return &MigrationService{
		repo:       repo,
		db:         db,
		migrations: migrations,
	}
}

// scanMigrationFiles は.sqlファイルをバージョン順に列挙する。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMigrationFileNotFound, err)
	}

	var migrations []*domain.Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if other, ok := seen[version]; ok {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", domain.ErrInvalidMigrationFile, version, other, entry.Name())
		}
		seen[version] = entry.Name()

		migrations = append(migrations, &domain.Migration{
			Version: version,
			Name:    name,
			Path:    entry.Name(),
			Status:  domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_key_records.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || !isDigits(version) || name == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return version, name, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// splitStatements はSQLファイルを文単位に分割する。行コメントと空文は除く。
// 文の区切りは行末の ; のみで、行の途中の ; （文字列リテラルやCOMMENT句の中など）では分割しない。
func splitStatements(sql string) []string {
	var (
		stmts []string
		b     strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(b.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		b.Reset()
	}
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		if body, ok := strings.CutSuffix(trimmed, ";"); ok {
			b.WriteString(body)
			flush()
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	flush()
	return stmts
}

// ApplyMigrations は未適用マイグレーションを番号順に実行する。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("%w: preparing schema_migrations: %v", domain.ErrMigrationFailed, err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	appliedCount := 0
	for _, migration := range allMigrations {
		applied, err := s.repo.IsMigrationApplied(ctx, migration.Version)
		if err != nil {
			return appliedCount, fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			continue
		}

		if err := s.applyMigration(ctx, migration); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, migration.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"version", migration.Version,
			"name", migration.Name,
		)
		appliedCount++
	}

	return appliedCount, nil
}

// applyMigration は単一のマイグレーションを実行し、同じトランザクションで履歴を記録する。
func (s *MigrationService) applyMigration(ctx context.Context, migration *domain.Migration) error {
	sqlBytes, err := fs.ReadFile(s.migrations, migration.Path)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range splitStatements(string(sqlBytes)) {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}
		}
		return s.repo.RecordMigration(ctx, tx, migration.Version)
	})
}

// GetMigrationStatus は現在のマイグレーション状況を取得する。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, err
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	appliedMigrations, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}

	appliedMap := make(map[string]*domain.Migration, len(appliedMigrations))
	for _, migration := range appliedMigrations {
		appliedMap[migration.Version] = migration
	}

	for _, migration := range allMigrations {
		if applied, exists := appliedMap[migration.Version]; exists {
			migration.Status = domain.MigrationStatusApplied
			migration.AppliedAt = applied.AppliedAt
		}
	}

	return allMigrations, nil
}
