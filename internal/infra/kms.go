package infra

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"keyvault-service/internal/domain"
)

// KMSProvider は外部の鍵管理サービスとの境界を表す。
type KMSProvider interface {
	// GenerateDataKey は新しいデータ鍵を生成し、customerMasterKey でラップして返す。
	GenerateDataKey(ctx context.Context, customerMasterKey string) (*domain.WrappedDataKey, error)
	// Unwrap はラップ済みデータ鍵を復号する。
	Unwrap(ctx context.Context, masterKey domain.MasterKey, keyMaterial []byte) ([]byte, error)
}

// KMSProviders はプロバイダ名からKMSProviderを引くレジストリ。起動時に構築し、以後変更しない。
type KMSProviders struct {
	providers map[string]KMSProvider
}

// NewKMSProviders は新しいKMSProvidersを生成する。
func NewKMSProviders(providers map[string]KMSProvider) *KMSProviders {
	m := make(map[string]KMSProvider, len(providers))
	for name, p := range providers {
		m[name] = p
	}
	return &KMSProviders{providers: m}
}

// Names は登録済みプロバイダ名をソートして返す。
func (r *KMSProviders) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has はプロバイダが登録済みかを返す。
func (r *KMSProviders) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// GenerateDataKey は指定プロバイダでデータ鍵を生成する。
func (r *KMSProviders) GenerateDataKey(ctx context.Context, provider, customerMasterKey string) (*domain.WrappedDataKey, error) {
	p, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKMSProvider, provider)
	}
	wrapped, err := p.GenerateDataKey(ctx, customerMasterKey)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate data key",
			"operation", "generate_data_key",
			"kms_provider", provider,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrKMSProvider, provider, err)
	}
	return wrapped, nil
}

// Unwrap はマスター鍵記述子のプロバイダでデータ鍵を復号する。
func (r *KMSProviders) Unwrap(ctx context.Context, masterKey domain.MasterKey, keyMaterial []byte) ([]byte, error) {
	p, ok := r.providers[masterKey.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKMSProvider, masterKey.Provider)
	}
	plain, err := p.Unwrap(ctx, masterKey, keyMaterial)
	if err != nil {
		slog.ErrorContext(ctx, "failed to unwrap data key",
			"operation", "unwrap",
			"kms_provider", masterKey.Provider,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrKMSProvider, masterKey.Provider, err)
	}
	return plain, nil
}
