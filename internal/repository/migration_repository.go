package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keyvault-service/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	AppliedAt time.Time `gorm:"column:applied_at;precision:6;not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は履歴テーブルがなければ作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	m := r.db.WithContext(ctx).Migrator()
	if m.HasTable(&SchemaMigrationModel{}) {
		return nil
	}
	if err := m.CreateTable(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to create schema_migrations",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーション一覧を取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find all applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(models))
	for i, model := range models {
		appliedAt := model.AppliedAt
		migrations[i] = &domain.Migration{
			Version:   model.Version,
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		}
	}

	return migrations, nil
}

// RecordMigration はマイグレーション適用履歴を記録する。
// txを渡すとそのトランザクション内で記録する。
func (r *MigrationRepository) RecordMigration(ctx context.Context, tx *gorm.DB, version string) error {
	if tx == nil {
		tx = r.db
	}
	model := &SchemaMigrationModel{Version: version}
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record_migration",
			"version", version,
			"error", err,
		)
		return err
	}
	return nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&SchemaMigrationModel{}).Where("version = ?", version).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to check if migration is applied",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// AutoMigrate は鍵レコードのテーブルとインデックスをモデル定義から作成する（SQLiteでのローカル実行用）。
// 日時列はダイアレクトに任せ、MySQLではdatetime(6)、SQLiteではdatetimeになる。
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	m := db.WithContext(ctx).Migrator()
	if !m.HasTable(&KeyRecordModel{}) {
		if err := m.CreateTable(&KeyRecordModel{}); err != nil {
			return err
		}
	}
	if !m.HasTable(&KeyAltNameModel{}) {
		if err := m.CreateTable(&KeyAltNameModel{}); err != nil {
			return err
		}
	}
	return nil
}
