package usecase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"keyvault-service/internal/domain"
)

// CryptEngine はデータ鍵によるフィールド値の暗号化エンジン。
type CryptEngine interface {
	Encrypt(ctx context.Context, keyID uuid.UUID, value bson.RawValue, alg domain.Algorithm) (primitive.Binary, error)
	Decrypt(ctx context.Context, encrypted primitive.Binary) (bson.RawValue, error)
}

// AltNameResolver は別名から鍵を引く。
type AltNameResolver interface {
	GetKeyByAltName(ctx context.Context, altName string) ([]*domain.KeyRecord, error)
}

// ClientEncryption は鍵IDとアルゴリズムを暗号化エンジンに渡すだけの状態を持たない窓口。
type ClientEncryption struct {
	engine CryptEngine
	keys   AltNameResolver
}

// NewClientEncryption は新しいClientEncryptionを生成する。
func NewClientEncryption(engine CryptEngine, keys AltNameResolver) *ClientEncryption {
	return &ClientEncryption{engine: engine, keys: keys}
}

// Encrypt は値を指定した鍵で暗号化する。
func (c *ClientEncryption) Encrypt(ctx context.Context, keyID uuid.UUID, value bson.RawValue, algorithm string) (primitive.Binary, error) {
	alg, err := domain.ParseAlgorithm(algorithm)
	if err != nil {
		return primitive.Binary{}, err
	}
	return c.engine.Encrypt(ctx, keyID, value, alg)
}

// EncryptWithAltName は別名で指定した鍵で値を暗号化する。
func (c *ClientEncryption) EncryptWithAltName(ctx context.Context, altName string, value bson.RawValue, algorithm string) (primitive.Binary, error) {
	alg, err := domain.ParseAlgorithm(algorithm)
	if err != nil {
		return primitive.Binary{}, err
	}
	if err := domain.ValidateAltName(altName); err != nil {
		return primitive.Binary{}, err
	}

	records, err := c.keys.GetKeyByAltName(ctx, altName)
	if err != nil {
		return primitive.Binary{}, fmt.Errorf("resolving alt name: %w", err)
	}
	if len(records) == 0 {
		return primitive.Binary{}, fmt.Errorf("%w: no key with alt name %q", domain.ErrKeyNotFound, altName)
	}
	return c.engine.Encrypt(ctx, records[0].ID, value, alg)
}

// Decrypt は暗号化された値を復号する。
func (c *ClientEncryption) Decrypt(ctx context.Context, encrypted primitive.Binary) (bson.RawValue, error) {
	return c.engine.Decrypt(ctx, encrypted)
}
