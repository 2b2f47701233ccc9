// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"keyvault-service/internal/domain"
)

// KeyRecordStore は鍵レコードの永続化層のインターフェース。
type KeyRecordStore interface {
	EnsureAltNameIndex(ctx context.Context) error
	Insert(ctx context.Context, record *domain.KeyRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.KeyRecord, error)
	FindByAltName(ctx context.Context, name string) ([]*domain.KeyRecord, error)
	FindAll(ctx context.Context) iter.Seq2[*domain.KeyRecord, error]
	DeleteByID(ctx context.Context, id uuid.UUID) (int64, error)
	UpdateAltNames(ctx context.Context, id uuid.UUID, mutation domain.AltNameMutation) (*domain.KeyRecord, error)
	UnsetEmptyAltNames(ctx context.Context, id uuid.UUID) (bool, error)
}

// KMSClient はデータ鍵を生成するKMSのインターフェース。
type KMSClient interface {
	GenerateDataKey(ctx context.Context, provider, customerMasterKey string) (*domain.WrappedDataKey, error)
}

// KeyVault はデータ鍵のライフサイクルを管理する。
type KeyVault struct {
	store KeyRecordStore
	kms   KMSClient
	now   func() time.Time
	newID func() (uuid.UUID, error)
}

// NewKeyVault は新しいKeyVaultを生成する。
// 別名の一意インデックスを保証できない場合はエラーを返し、KeyVaultは使用できない。
func NewKeyVault(ctx context.Context, store KeyRecordStore, kms KMSClient) (*KeyVault, error) {
	if err := store.EnsureAltNameIndex(ctx); err != nil {
		return nil, fmt.Errorf("ensuring alt name index: %w", err)
	}
	return &KeyVault{
		store: store,
		kms:   kms,
		now:   time.Now,
		newID: uuid.NewRandom,
	}, nil
}

// CreateKey はKMSでデータ鍵を生成し、新しい鍵レコードとして保存する。
// KMSの呼び出しが成功するまでレコードは作らない。
func (v *KeyVault) CreateKey(ctx context.Context, kmsProvider, customerMasterKey string, keyAltNames []string) (*domain.InsertResult, error) {
	if strings.TrimSpace(kmsProvider) == "" {
		return nil, fmt.Errorf("%w: kms provider must not be empty", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(customerMasterKey) == "" {
		return nil, fmt.Errorf("%w: customer master key must not be empty", domain.ErrInvalidArgument)
	}
	if err := domain.ValidateAltNames(keyAltNames); err != nil {
		return nil, err
	}

	wrapped, err := v.kms.GenerateDataKey(ctx, kmsProvider, customerMasterKey)
	if err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}

	id, err := v.newID()
	if err != nil {
		return nil, fmt.Errorf("generating key id: %w", err)
	}
	now := domain.Timestamp(v.now())
	record := &domain.KeyRecord{
		ID:           id,
		KeyMaterial:  wrapped.KeyMaterial,
		CreationDate: now,
		UpdateDate:   now,
		Status:       domain.KeyStatusDefault,
		Version:      0,
		MasterKey:    wrapped.MasterKey,
	}
	if len(keyAltNames) > 0 {
		record.KeyAltNames = append([]string(nil), keyAltNames...)
	}

	if err := v.store.Insert(ctx, record); err != nil {
		// KMS側で生成された鍵は破棄される（呼び出し側の再試行は別の鍵を作る）
		slog.WarnContext(ctx, "data key generated but not stored",
			"operation", "create_key",
			"kms_provider", kmsProvider,
			"error", err,
		)
		return nil, fmt.Errorf("inserting key: %w", err)
	}

	return &domain.InsertResult{Acknowledged: true, InsertedID: id}, nil
}

// GetKey は指定されたIDの鍵を返す。存在しない場合はnil。
func (v *KeyVault) GetKey(ctx context.Context, id uuid.UUID) (*domain.KeyRecord, error) {
	return v.store.FindByID(ctx, id)
}

// GetKeyByAltName は別名を持つ鍵を返す。
func (v *KeyVault) GetKeyByAltName(ctx context.Context, altName string) ([]*domain.KeyRecord, error) {
	return v.store.FindByAltName(ctx, altName)
}

// GetKeys は全ての鍵を遅延的に返す。
func (v *KeyVault) GetKeys(ctx context.Context) iter.Seq2[*domain.KeyRecord, error] {
	return v.store.FindAll(ctx)
}

// DeleteKey は鍵を削除して削除件数を返す。存在しないIDは0件でエラーにならない。
func (v *KeyVault) DeleteKey(ctx context.Context, id uuid.UUID) (int64, error) {
	return v.store.DeleteByID(ctx, id)
}

// AddKeyAlternateName は別名を追加し、追加前の鍵レコードを返す。
func (v *KeyVault) AddKeyAlternateName(ctx context.Context, id uuid.UUID, altName string) (*domain.KeyRecord, error) {
	if err := domain.ValidateAltName(altName); err != nil {
		return nil, err
	}
	return v.store.UpdateAltNames(ctx, id, domain.AltNameMutation{Op: domain.AltNameAdd, Name: altName})
}

// RemoveKeyAlternateName は別名を取り除き、削除前の鍵レコードを返す。
// 最後の別名を取り除いた場合は空になったkeyAltNamesを削除する。
func (v *KeyVault) RemoveKeyAlternateName(ctx context.Context, id uuid.UUID, altName string) (*domain.KeyRecord, error) {
	if err := domain.ValidateAltName(altName); err != nil {
		return nil, err
	}
	before, err := v.store.UpdateAltNames(ctx, id, domain.AltNameMutation{Op: domain.AltNameRemove, Name: altName})
	if err != nil {
		return nil, err
	}

	if len(before.KeyAltNames) == 1 && before.KeyAltNames[0] == altName {
		applied, err := v.store.UnsetEmptyAltNames(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("unsetting empty alt names: %w", err)
		}
		if !applied {
			slog.DebugContext(ctx, "alt names changed concurrently, cleanup skipped",
				"operation", "remove_key_alternate_name",
				"id", id,
			)
		}
	}
	return before, nil
}
