package infra

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"keyvault-service/internal/crypt"
	"keyvault-service/internal/domain"
)

// LocalProviderName はローカルマスター鍵プロバイダの名前。
const LocalProviderName = "local"

// LocalKMS は静的に設定された96バイトのマスター鍵でデータ鍵をラップする。
type LocalKMS struct {
	masterKey []byte
}

// NewLocalKMS は新しいLocalKMSを生成する。
func NewLocalKMS(masterKey []byte) (*LocalKMS, error) {
	if len(masterKey) != domain.DataKeySize {
		return nil, fmt.Errorf("local master key must be %d bytes, got %d", domain.DataKeySize, len(masterKey))
	}
	return &LocalKMS{masterKey: append([]byte(nil), masterKey...)}, nil
}

// NewLocalKMSFromBase64 はBase64文字列のマスター鍵からLocalKMSを生成する。
func NewLocalKMSFromBase64(encoded string) (*LocalKMS, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding local master key: %w", err)
	}
	return NewLocalKMS(key)
}

// GenerateDataKey はデータ鍵を生成してローカルマスター鍵でラップする。
// customerMasterKey は識別子として記述子に残すだけで、鍵導出には使わない。
func (k *LocalKMS) GenerateDataKey(_ context.Context, customerMasterKey string) (*domain.WrappedDataKey, error) {
	plain, err := crypt.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := crypt.Seal(k.masterKey, nil, plain, false)
	if err != nil {
		return nil, fmt.Errorf("wrapping data key: %w", err)
	}
	return &domain.WrappedDataKey{
		MasterKey:   domain.MasterKey{Provider: LocalProviderName, Key: customerMasterKey},
		KeyMaterial: wrapped,
	}, nil
}

// Unwrap はローカルマスター鍵でデータ鍵を復号する。
func (k *LocalKMS) Unwrap(_ context.Context, masterKey domain.MasterKey, keyMaterial []byte) ([]byte, error) {
	if masterKey.Provider != LocalProviderName {
		return nil, errors.New("master key does not belong to the local provider")
	}
	plain, err := crypt.Open(k.masterKey, nil, keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	return plain, nil
}
