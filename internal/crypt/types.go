package crypt

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"keyvault-service/internal/domain"
)

// どちらのアルゴリズムでも暗号化できない型。安定したバイナリ表現を持たない値と文書間参照。
var unsupportedTypes = map[bsontype.Type]struct{}{
	bsontype.Undefined: {},
	bsontype.Null:      {},
	bsontype.MinKey:    {},
	bsontype.MaxKey:    {},
	bsontype.DBPointer: {},
}

// 決定的アルゴリズムでのみ拒否する型。等値性が表現に依存するもの。
var nonDeterministicTypes = map[bsontype.Type]struct{}{
	bsontype.Boolean:          {},
	bsontype.Double:           {},
	bsontype.Decimal128:       {},
	bsontype.Array:            {},
	bsontype.EmbeddedDocument: {},
	bsontype.JavaScript:       {},
	bsontype.CodeWithScope:    {},
}

// CheckType は値の型が指定アルゴリズムで暗号化可能かを検証する。
func CheckType(v bson.RawValue, alg domain.Algorithm) error {
	if v.Type == bsontype.Type(0) {
		return fmt.Errorf("%w: missing value", domain.ErrEncryptionTypeNotSupported)
	}
	if _, ng := unsupportedTypes[v.Type]; ng {
		return fmt.Errorf("%w: cannot encrypt %s", domain.ErrEncryptionTypeNotSupported, v.Type)
	}
	if subtype, _, ok := v.BinaryOK(); ok && subtype == EncryptedSubtype {
		return fmt.Errorf("%w: value is already encrypted", domain.ErrEncryptionTypeNotSupported)
	}
	if alg == domain.AlgorithmDeterministic {
		if _, ng := nonDeterministicTypes[v.Type]; ng {
			return fmt.Errorf("%w: cannot deterministically encrypt %s", domain.ErrEncryptionTypeNotSupported, v.Type)
		}
	}
	return nil
}
