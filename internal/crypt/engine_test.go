package crypt

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"keyvault-service/internal/domain"
)

// fakeKeys はメモリ上の鍵レコードを返す。
type fakeKeys map[uuid.UUID]*domain.KeyRecord

func (f fakeKeys) GetKey(_ context.Context, id uuid.UUID) (*domain.KeyRecord, error) {
	return f[id], nil
}

// plainUnwrapper は鍵素材をそのまま平文の鍵として返す。
type plainUnwrapper struct{}

func (plainUnwrapper) Unwrap(_ context.Context, _ domain.MasterKey, material []byte) ([]byte, error) {
	return material, nil
}

func newTestEngine(t *testing.T, n int) (*Engine, []uuid.UUID) {
	t.Helper()
	keys := fakeKeys{}
	ids := make([]uuid.UUID, n)
	for i := range ids {
		material, err := GenerateDataKey()
		require.NoError(t, err)
		ids[i] = uuid.New()
		keys[ids[i]] = &domain.KeyRecord{
			ID:          ids[i],
			KeyMaterial: material,
			MasterKey:   domain.MasterKey{Provider: "local"},
		}
	}
	return NewEngine(keys, plainUnwrapper{}), ids
}

func rawValue(t *testing.T, v any) bson.RawValue {
	t.Helper()
	typ, data, err := bson.MarshalValue(v)
	require.NoError(t, err)
	return bson.RawValue{Type: typ, Value: data}
}

func TestEngine_Deterministic(t *testing.T) {
	ctx := context.Background()
	engine, ids := newTestEngine(t, 1)
	value := rawValue(t, "monger")

	first, err := engine.Encrypt(ctx, ids[0], value, domain.AlgorithmDeterministic)
	require.NoError(t, err)
	second, err := engine.Encrypt(ctx, ids[0], value, domain.AlgorithmDeterministic)
	require.NoError(t, err)

	assert.Equal(t, EncryptedSubtype, first.Subtype)
	assert.Equal(t, first.Data, second.Data)

	got, err := engine.Decrypt(ctx, first)
	require.NoError(t, err)
	assert.True(t, value.Equal(got))
	assert.Equal(t, "monger", got.StringValue())
}

func TestEngine_Random(t *testing.T) {
	ctx := context.Background()
	engine, ids := newTestEngine(t, 1)
	value := rawValue(t, "monger")

	first, err := engine.Encrypt(ctx, ids[0], value, domain.AlgorithmRandom)
	require.NoError(t, err)
	second, err := engine.Encrypt(ctx, ids[0], value, domain.AlgorithmRandom)
	require.NoError(t, err)
	assert.NotEqual(t, first.Data, second.Data)

	for _, ct := range []primitive.Binary{first, second} {
		got, err := engine.Decrypt(ctx, ct)
		require.NoError(t, err)
		assert.True(t, value.Equal(got))
	}
}

func TestEngine_TypeRules(t *testing.T) {
	ctx := context.Background()
	engine, ids := newTestEngine(t, 1)

	tests := []struct {
		name          string
		value         any
		deterministic bool
		random        bool
	}{
		{name: "string", value: "monger", deterministic: true, random: true},
		{name: "int32", value: int32(42), deterministic: true, random: true},
		{name: "int64", value: int64(42), deterministic: true, random: true},
		{name: "objectid", value: primitive.NewObjectID(), deterministic: true, random: true},
		{name: "binary", value: primitive.Binary{Subtype: 0, Data: []byte("raw")}, deterministic: true, random: true},
		{name: "boolean", value: true, deterministic: false, random: true},
		{name: "double", value: 3.14, deterministic: false, random: true},
		{name: "decimal128", value: primitive.NewDecimal128(1, 2), deterministic: false, random: true},
		{name: "array", value: bson.A{"a", int32(1)}, deterministic: false, random: true},
		{name: "document", value: bson.D{{Key: "a", Value: "b"}}, deterministic: false, random: true},
		{name: "javascript", value: primitive.JavaScript("function() {}"), deterministic: false, random: true},
		{name: "code with scope", value: primitive.CodeWithScope{Code: "x", Scope: bson.D{{Key: "x", Value: int32(1)}}}, deterministic: false, random: true},
		{name: "null", value: primitive.Null{}, deterministic: false, random: false},
		{name: "undefined", value: primitive.Undefined{}, deterministic: false, random: false},
		{name: "minkey", value: primitive.MinKey{}, deterministic: false, random: false},
		{name: "maxkey", value: primitive.MaxKey{}, deterministic: false, random: false},
		{name: "dbpointer", value: primitive.DBPointer{DB: "db.coll", Pointer: primitive.NewObjectID()}, deterministic: false, random: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := rawValue(t, tt.value)
			for alg, ok := range map[domain.Algorithm]bool{
				domain.AlgorithmDeterministic: tt.deterministic,
				domain.AlgorithmRandom:        tt.random,
			} {
				ct, err := engine.Encrypt(ctx, ids[0], value, alg)
				if !ok {
					require.ErrorIs(t, err, domain.ErrEncryptionTypeNotSupported, alg)
					continue
				}
				require.NoError(t, err, alg)
				got, err := engine.Decrypt(ctx, ct)
				require.NoError(t, err, alg)
				assert.True(t, value.Equal(got), alg)
			}
		})
	}
}

func TestEngine_RejectsEncryptedValue(t *testing.T) {
	ctx := context.Background()
	engine, ids := newTestEngine(t, 1)

	ct, err := engine.Encrypt(ctx, ids[0], rawValue(t, "monger"), domain.AlgorithmRandom)
	require.NoError(t, err)

	_, err = engine.Encrypt(ctx, ids[0], rawValue(t, ct), domain.AlgorithmRandom)
	require.ErrorIs(t, err, domain.ErrEncryptionTypeNotSupported)
}

func TestEngine_UnknownAlgorithm(t *testing.T) {
	engine, ids := newTestEngine(t, 1)
	_, err := engine.Encrypt(context.Background(), ids[0], rawValue(t, "x"), domain.Algorithm("AES-ECB"))
	require.ErrorIs(t, err, domain.ErrUnknownAlgorithm)
}

func TestEngine_EncryptUnknownKey(t *testing.T) {
	engine, _ := newTestEngine(t, 1)
	_, err := engine.Encrypt(context.Background(), uuid.New(), rawValue(t, "x"), domain.AlgorithmRandom)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestEngine_DecryptFailures(t *testing.T) {
	ctx := context.Background()
	engine, ids := newTestEngine(t, 2)

	ct, err := engine.Encrypt(ctx, ids[0], rawValue(t, "monger"), domain.AlgorithmDeterministic)
	require.NoError(t, err)

	// 別の鍵IDに差し替えると認証に失敗する
	swapped := primitive.Binary{Subtype: ct.Subtype, Data: append([]byte(nil), ct.Data...)}
	copy(swapped.Data[1:17], ids[1][:])

	// 暗号文の改ざん
	tampered := primitive.Binary{Subtype: ct.Subtype, Data: append([]byte(nil), ct.Data...)}
	tampered.Data[len(tampered.Data)-1] ^= 0xff

	// 存在しない鍵
	orphan := primitive.Binary{Subtype: ct.Subtype, Data: append([]byte(nil), ct.Data...)}
	missing := uuid.New()
	copy(orphan.Data[1:17], missing[:])

	tests := map[string]primitive.Binary{
		"wrong subtype": {Subtype: 0, Data: ct.Data},
		"garbage":       {Subtype: EncryptedSubtype, Data: []byte("not an encrypted value at all")},
		"truncated":     {Subtype: EncryptedSubtype, Data: ct.Data[:10]},
		"other key":     swapped,
		"tampered":      tampered,
		"missing key":   orphan,
	}
	for name, bin := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Decrypt(ctx, bin)
			require.ErrorIs(t, err, domain.ErrDecryption)
		})
	}
}
