package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"keyvault-service/internal/domain"
)

// AWSProviderName はAWS KMSプロバイダの名前。
const AWSProviderName = "aws"

// awsKMSAPI はAWS KMSクライアントのうち使用するメソッドだけを切り出したもの（テストでモックする）。
type awsKMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

var _ awsKMSAPI = (*kms.Client)(nil)

// AWSKMS はAWS KMSのカスタマーマスター鍵でデータ鍵をラップする。
type AWSKMS struct {
	client   awsKMSAPI
	region   string
	endpoint string
}

// AWSKMSOptions はAWS KMSクライアントの接続設定。
type AWSKMSOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Endpoint        string
}

// NewAWSKMS はAWS KMSクライアントを生成する。
// アクセスキーが未指定の場合はデフォルトの認証情報チェーンを使う。
func NewAWSKMS(ctx context.Context, opts AWSKMSOptions) (*AWSKMS, error) {
	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := kms.NewFromConfig(cfg, func(o *kms.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return newAWSKMS(client, opts.Region, opts.Endpoint), nil
}

func newAWSKMS(client awsKMSAPI, region, endpoint string) *AWSKMS {
	return &AWSKMS{client: client, region: region, endpoint: endpoint}
}

// GenerateDataKey はAWS KMSでデータ鍵を生成する。平文は保持せず暗号文のみ返す。
func (k *AWSKMS) GenerateDataKey(ctx context.Context, customerMasterKey string) (*domain.WrappedDataKey, error) {
	if customerMasterKey == "" {
		return nil, errors.New("aws customer master key is required")
	}
	out, err := k.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:         aws.String(customerMasterKey),
		NumberOfBytes: aws.Int32(domain.DataKeySize),
	})
	if err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}

	region := regionFromARN(customerMasterKey)
	if region == "" {
		region = k.region
	}
	return &domain.WrappedDataKey{
		MasterKey: domain.MasterKey{
			Provider: AWSProviderName,
			Key:      customerMasterKey,
			Region:   region,
			Endpoint: k.endpoint,
		},
		KeyMaterial: out.CiphertextBlob,
	}, nil
}

// Unwrap はAWS KMSでデータ鍵を復号する。
func (k *AWSKMS) Unwrap(ctx context.Context, masterKey domain.MasterKey, keyMaterial []byte) ([]byte, error) {
	input := &kms.DecryptInput{CiphertextBlob: keyMaterial}
	if masterKey.Key != "" {
		input.KeyId = aws.String(masterKey.Key)
	}
	out, err := k.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("decrypting data key: %w", err)
	}
	return out.Plaintext, nil
}

// regionFromARN は arn:aws:kms:<region>:<account>:key/<id> からリージョンを取り出す。
func regionFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 || parts[0] != "arn" || parts[2] != "kms" {
		return ""
	}
	return parts[3]
}
