package crypt

import (
	"errors"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"keyvault-service/internal/domain"
)

// EncryptedSubtype は暗号化済み値を表すBSONバイナリのサブタイプ。
const EncryptedSubtype byte = 6

// ペイロード先頭のアルゴリズム識別バイト。
const (
	algorithmByteDeterministic byte = 1
	algorithmByteRandom        byte = 2
)

const headerSize = 1 + 16 + 1

var errMalformedPayload = errors.New("malformed encrypted payload")

// payload は暗号化済み値のバイナリ表現。
// algorithm(1) || keyID(16) || 元のBSON型(1) || 暗号文
type payload struct {
	algorithm  byte
	keyID      uuid.UUID
	bsonType   bsontype.Type
	ciphertext []byte
}

func algorithmByte(a domain.Algorithm) (byte, error) {
	switch a {
	case domain.AlgorithmDeterministic:
		return algorithmByteDeterministic, nil
	case domain.AlgorithmRandom:
		return algorithmByteRandom, nil
	default:
		return 0, domain.ErrUnknownAlgorithm
	}
}

// associatedData は認証対象の付加データ（ヘッダ部）を返す。
func (p *payload) associatedData() []byte {
	ad := make([]byte, 0, headerSize)
	ad = append(ad, p.algorithm)
	ad = append(ad, p.keyID[:]...)
	return append(ad, byte(p.bsonType))
}

func (p *payload) marshal() []byte {
	return append(p.associatedData(), p.ciphertext...)
}

func parsePayload(data []byte) (*payload, error) {
	if len(data) <= headerSize {
		return nil, errMalformedPayload
	}
	alg := data[0]
	if alg != algorithmByteDeterministic && alg != algorithmByteRandom {
		return nil, errMalformedPayload
	}
	keyID, err := uuid.FromBytes(data[1:17])
	if err != nil {
		return nil, errMalformedPayload
	}
	return &payload{
		algorithm:  alg,
		keyID:      keyID,
		bsonType:   bsontype.Type(data[17]),
		ciphertext: data[headerSize:],
	}, nil
}
