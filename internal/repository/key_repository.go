// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"keyvault-service/internal/domain"
)

// altNameIndexName は別名の一意インデックス名。
const altNameIndexName = "uk_key_alt_names_alt_name"

// findAllBatchSize はFindAllが1回のクエリで読み込む件数。
const findAllBatchSize = 100

// KeyRecordModel はgorm用のモデル定義。
type KeyRecordModel struct {
	ID           string            `gorm:"type:char(36);primaryKey"`
	KeyMaterial  []byte            `gorm:"type:blob;not null"`
	CreationDate time.Time         `gorm:"precision:6;not null"`
	UpdateDate   time.Time         `gorm:"precision:6;not null"`
	Status       int32             `gorm:"not null;default:0"`
	Version      int64             `gorm:"not null;default:0"`
	MasterKey    domain.MasterKey  `gorm:"type:text;serializer:json;not null"`
	AltNames     []KeyAltNameModel `gorm:"foreignKey:KeyID"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// KeyAltNameModel は別名1件を表す子テーブルのモデル。
// 行が存在しない鍵はkeyAltNamesフィールドを持たない。
type KeyAltNameModel struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	KeyID   string `gorm:"type:char(36);not null;index:idx_key_alt_names_key_id"`
	AltName string `gorm:"type:varchar(255);not null;uniqueIndex:uk_key_alt_names_alt_name"`
}

// TableName はテーブル名を返す。
func (KeyAltNameModel) TableName() string {
	return "key_alt_names"
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() (*domain.KeyRecord, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing key id %q: %w", m.ID, err)
	}
	record := &domain.KeyRecord{
		ID:           id,
		KeyMaterial:  m.KeyMaterial,
		CreationDate: m.CreationDate.UTC(),
		UpdateDate:   m.UpdateDate.UTC(),
		Status:       domain.KeyStatus(m.Status),
		Version:      m.Version,
		MasterKey:    m.MasterKey,
	}
	if len(m.AltNames) > 0 {
		record.KeyAltNames = make([]string, len(m.AltNames))
		for i, a := range m.AltNames {
			record.KeyAltNames[i] = a.AltName
		}
	}
	return record, nil
}

// KeyRepository はgormによる鍵レコードストア。
type KeyRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
// 一意制約違反の検出のため、dbは TranslateError を有効にして開くこと。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db, now: time.Now}
}

// withAltNames は別名を追加順でプリロードする。
func withAltNames(db *gorm.DB) *gorm.DB {
	return db.Preload("AltNames", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	})
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// EnsureAltNameIndex は別名の一意インデックスを作成する。既に同名で定義の異なるインデックスがある場合はErrIndexConflict。
func (r *KeyRepository) EnsureAltNameIndex(ctx context.Context) error {
	m := r.db.WithContext(ctx).Migrator()

	if !m.HasIndex(&KeyAltNameModel{}, altNameIndexName) {
		if err := m.CreateIndex(&KeyAltNameModel{}, altNameIndexName); err != nil {
			slog.ErrorContext(ctx, "failed to create alt name index",
				"operation", "ensure_alt_name_index",
				"error", err,
			)
			return fmt.Errorf("creating index %s: %w", altNameIndexName, err)
		}
		return nil
	}

	indexes, err := m.GetIndexes(&KeyAltNameModel{})
	if err != nil {
		slog.ErrorContext(ctx, "failed to get indexes",
			"operation", "ensure_alt_name_index",
			"error", err,
		)
		return fmt.Errorf("listing indexes: %w", err)
	}
	for _, idx := range indexes {
		if idx.Name() != altNameIndexName {
			continue
		}
		unique, _ := idx.Unique()
		if !unique || !slices.Equal(idx.Columns(), []string{"alt_name"}) {
			return fmt.Errorf("%w: %s exists with columns %v (unique=%t)",
				domain.ErrIndexConflict, altNameIndexName, idx.Columns(), unique)
		}
		return nil
	}
	return nil
}

// Insert は鍵レコードと別名を1トランザクションで保存する。
func (r *KeyRepository) Insert(ctx context.Context, record *domain.KeyRecord) error {
	model := &KeyRecordModel{
		ID:           record.ID.String(),
		KeyMaterial:  record.KeyMaterial,
		CreationDate: record.CreationDate,
		UpdateDate:   record.UpdateDate,
		Status:       int32(record.Status),
		Version:      record.Version,
		MasterKey:    record.MasterKey,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(model).Error; err != nil {
			return err
		}
		for _, name := range record.KeyAltNames {
			if err := tx.Create(&KeyAltNameModel{KeyID: model.ID, AltName: name}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: inserting key %s", domain.ErrDuplicateKey, record.ID)
		}
		slog.ErrorContext(ctx, "failed to insert key",
			"operation", "insert",
			"id", record.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindByID は指定されたIDの鍵を取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := withAltNames(r.db.WithContext(ctx)).
		Where("id = ?", id.String()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// FindByAltName は別名を持つ鍵を取得する。
func (r *KeyRepository) FindByAltName(ctx context.Context, name string) ([]*domain.KeyRecord, error) {
	db := r.db.WithContext(ctx)
	var models []KeyRecordModel
	err := withAltNames(db).
		Where("id IN (?)", db.Model(&KeyAltNameModel{}).Select("key_id").Where("alt_name = ?", name)).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key by alt name",
			"operation", "find_by_alt_name",
			"alt_name", name,
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.KeyRecord, 0, len(models))
	for i := range models {
		record, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

var errStopIteration = errors.New("iteration stopped")

// FindAll は全ての鍵を遅延的に返す。反復のたびに新しいクエリを発行する。
func (r *KeyRepository) FindAll(ctx context.Context) iter.Seq2[*domain.KeyRecord, error] {
	return func(yield func(*domain.KeyRecord, error) bool) {
		var models []KeyRecordModel
		err := withAltNames(r.db.WithContext(ctx)).
			FindInBatches(&models, findAllBatchSize, func(_ *gorm.DB, _ int) error {
				for i := range models {
					record, err := models[i].toDomain()
					if err != nil {
						return err
					}
					if !yield(record, nil) {
						return errStopIteration
					}
				}
				return nil
			}).Error
		if err == nil || errors.Is(err, errStopIteration) {
			return
		}
		slog.ErrorContext(ctx, "failed to find all keys",
			"operation", "find_all",
			"error", err,
		)
		yield(nil, err)
	}
}

// DeleteByID は鍵と別名を削除し、削除件数（0または1）を返す。
func (r *KeyRepository) DeleteByID(ctx context.Context, id uuid.UUID) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_id = ?", id.String()).Delete(&KeyAltNameModel{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id.String()).Delete(&KeyRecordModel{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key",
			"operation", "delete_by_id",
			"id", id,
			"error", err,
		)
		return 0, err
	}
	return deleted, nil
}

// UpdateAltNames は別名の追加・削除とupdateDateの更新を原子的に行い、変更前のレコードを返す。
func (r *KeyRepository) UpdateAltNames(ctx context.Context, id uuid.UUID, mutation domain.AltNameMutation) (*domain.KeyRecord, error) {
	var before *domain.KeyRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model KeyRecordModel
		err := withAltNames(tx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id.String()).
			First(&model).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
			}
			return err
		}
		if before, err = model.toDomain(); err != nil {
			return err
		}

		switch mutation.Op {
		case domain.AltNameAdd:
			if before.HasAltName(mutation.Name) {
				return fmt.Errorf("%w: key %s already has alt name %q", domain.ErrDuplicateKey, id, mutation.Name)
			}
			if err := tx.Create(&KeyAltNameModel{KeyID: model.ID, AltName: mutation.Name}).Error; err != nil {
				if isDuplicateKey(err) {
					return fmt.Errorf("%w: alt name %q", domain.ErrDuplicateKey, mutation.Name)
				}
				return err
			}
		case domain.AltNameRemove:
			err := tx.Where("key_id = ? AND alt_name = ?", model.ID, mutation.Name).
				Delete(&KeyAltNameModel{}).Error
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown alt name operation %d", domain.ErrInvalidArgument, mutation.Op)
		}

		return tx.Model(&KeyRecordModel{}).
			Where("id = ?", model.ID).
			Update("update_date", domain.NextUpdateDate(before.UpdateDate, r.now())).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) || errors.Is(err, domain.ErrDuplicateKey) || errors.Is(err, domain.ErrInvalidArgument) {
			return nil, err
		}
		slog.ErrorContext(ctx, "failed to update alt names",
			"operation", "update_alt_names",
			"id", id,
			"mutation", mutation.Op.String(),
			"error", err,
		)
		return nil, err
	}
	return before, nil
}

// UnsetEmptyAltNames は別名が空（行が0件）の場合に限りupdateDateを更新する。
// 別の書き込みで別名が追加済み、または鍵が削除済みの場合は何もせずfalseを返す。
func (r *KeyRepository) UnsetEmptyAltNames(ctx context.Context, id uuid.UUID) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model KeyRecordModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id.String()).
			First(&model).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		var remaining int64
		if err := tx.Model(&KeyAltNameModel{}).Where("key_id = ?", model.ID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		err = tx.Model(&KeyRecordModel{}).
			Where("id = ?", model.ID).
			Update("update_date", domain.NextUpdateDate(model.UpdateDate.UTC(), r.now())).Error
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to unset empty alt names",
			"operation", "unset_empty_alt_names",
			"id", id,
			"error", err,
		)
		return false, err
	}
	return applied, nil
}
