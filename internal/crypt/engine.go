package crypt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"keyvault-service/internal/domain"
)

// KeyResolver はIDからデータ鍵レコードを解決する。
type KeyResolver interface {
	GetKey(ctx context.Context, id uuid.UUID) (*domain.KeyRecord, error)
}

// Unwrapper はラップ済みデータ鍵をKMSで復号する。
type Unwrapper interface {
	Unwrap(ctx context.Context, masterKey domain.MasterKey, keyMaterial []byte) ([]byte, error)
}

// Engine はデータ鍵を解決してフィールド値を暗号化・復号する。
type Engine struct {
	keys KeyResolver
	kms  Unwrapper
}

// NewEngine は新しいEngineを生成する。
func NewEngine(keys KeyResolver, kms Unwrapper) *Engine {
	return &Engine{keys: keys, kms: kms}
}

// Encrypt は値を指定された鍵とアルゴリズムで暗号化する。
func (e *Engine) Encrypt(ctx context.Context, keyID uuid.UUID, value bson.RawValue, alg domain.Algorithm) (primitive.Binary, error) {
	algByte, err := algorithmByte(alg)
	if err != nil {
		return primitive.Binary{}, fmt.Errorf("%w: %q", err, alg)
	}
	if err := CheckType(value, alg); err != nil {
		return primitive.Binary{}, err
	}

	dataKey, err := e.dataKey(ctx, keyID)
	if err != nil {
		return primitive.Binary{}, err
	}

	p := &payload{algorithm: algByte, keyID: keyID, bsonType: value.Type}
	p.ciphertext, err = Seal(dataKey, p.associatedData(), value.Value, alg == domain.AlgorithmDeterministic)
	if err != nil {
		return primitive.Binary{}, fmt.Errorf("encrypting value: %w", err)
	}

	return primitive.Binary{Subtype: EncryptedSubtype, Data: p.marshal()}, nil
}

// Decrypt は Encrypt の出力を復号して元の値を返す。
func (e *Engine) Decrypt(ctx context.Context, encrypted primitive.Binary) (bson.RawValue, error) {
	if encrypted.Subtype != EncryptedSubtype {
		return bson.RawValue{}, fmt.Errorf("%w: binary subtype %d is not an encrypted value", domain.ErrDecryption, encrypted.Subtype)
	}
	p, err := parsePayload(encrypted.Data)
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	dataKey, err := e.dataKey(ctx, p.keyID)
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}

	plain, err := Open(dataKey, p.associatedData(), p.ciphertext)
	if err != nil {
		slog.WarnContext(ctx, "failed to open encrypted value",
			"operation", "decrypt",
			"key_id", p.keyID.String(),
			"error", err,
		)
		return bson.RawValue{}, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	value := bson.RawValue{Type: p.bsonType, Value: plain}
	if err := value.Validate(); err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return value, nil
}

// dataKey は鍵レコードを解決し、平文のデータ鍵を取り出す。
func (e *Engine) dataKey(ctx context.Context, keyID uuid.UUID) ([]byte, error) {
	record, err := e.keys.GetKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}

	dataKey, err := e.kms.Unwrap(ctx, record.MasterKey, record.KeyMaterial)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	if len(dataKey) != domain.DataKeySize {
		return nil, fmt.Errorf("%w: data key %s has %d bytes", domain.ErrKMSProvider, keyID, len(dataKey))
	}
	return dataKey, nil
}
