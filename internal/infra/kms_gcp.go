package infra

import (
	"context"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"

	"keyvault-service/internal/crypt"
	"keyvault-service/internal/domain"
)

// GCPProviderName はCloud KMSプロバイダの名前。
const GCPProviderName = "gcp"

// gcpKMSAPI はCloud KMSクライアントのうち使用するメソッド。
type gcpKMSAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
	Close() error
}

var _ gcpKMSAPI = (*kms.KeyManagementClient)(nil)

// GCPKMS はCloud KMSの鍵でデータ鍵をラップする。
type GCPKMS struct {
	client gcpKMSAPI
}

// NewGCPKMS はCloud KMSクライアントを生成する。認証はApplication Default Credentialsに従う。
func NewGCPKMS(ctx context.Context) (*GCPKMS, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return &GCPKMS{client: client}, nil
}

// GenerateDataKey はデータ鍵を生成し、customerMasterKey（鍵のリソース名）で暗号化する。
func (c *GCPKMS) GenerateDataKey(ctx context.Context, customerMasterKey string) (*domain.WrappedDataKey, error) {
	if customerMasterKey == "" {
		return nil, errors.New("gcp key name is required")
	}
	plain, err := crypt.GenerateDataKey()
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      customerMasterKey,
		Plaintext: plain,
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return &domain.WrappedDataKey{
		MasterKey:   domain.MasterKey{Provider: GCPProviderName, Key: customerMasterKey},
		KeyMaterial: resp.Ciphertext,
	}, nil
}

// Unwrap はCloud KMSでデータ鍵を復号する。
func (c *GCPKMS) Unwrap(ctx context.Context, masterKey domain.MasterKey, keyMaterial []byte) ([]byte, error) {
	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       masterKey.Key,
		Ciphertext: keyMaterial,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *GCPKMS) Close() error {
	return c.client.Close()
}
