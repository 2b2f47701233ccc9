// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"keyvault-service/config"
	"keyvault-service/internal/crypt"
	"keyvault-service/internal/handler"
	"keyvault-service/internal/infra"
	"keyvault-service/internal/middleware"
	"keyvault-service/internal/repository"
	"keyvault-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// 鍵レコードストア初期化
	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to init key record store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// KMSプロバイダ初期化
	kms, closers, err := newKMSProviders(ctx, cfg)
	if err != nil {
		slog.Error("failed to init KMS providers", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range closers {
			if closeErr := c.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}
	}()
	slog.Info("kms providers registered", "providers", kms.Names())

	// DI
	vault, err := usecase.NewKeyVault(ctx, store, kms)
	if err != nil {
		slog.Error("failed to init key vault", "error", err)
		os.Exit(1)
	}
	client := usecase.NewClientEncryption(crypt.NewEngine(vault, kms), vault)

	middleware.RegisterMetrics(prometheus.DefaultRegisterer)
	router := handler.NewRouter(handler.NewKeyHandler(vault), handler.NewEncryptionHandler(client), cfg)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "store_backend", cfg.StoreBackend)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// newStore は設定に応じた鍵レコードストアを生成する。
func newStore(ctx context.Context, cfg *config.Config) (usecase.KeyRecordStore, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQL:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is not set")
		}
		db, err := infra.NewDB(cfg)
		if err != nil {
			return nil, nil, err
		}
		// SQLiteはローカル実行用のため起動時にテーブルを作成する
		if cfg.DatabaseDriver == "sqlite" {
			if err := repository.AutoMigrate(ctx, db); err != nil {
				return nil, nil, err
			}
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return repository.NewKeyRepository(db), closeDB, nil

	case config.StoreBackendMongo:
		if cfg.MongoURI == "" {
			return nil, nil, errors.New("MONGODB_URI is not set")
		}
		client, err := infra.NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		repo, err := repository.NewMongoKeyRepository(client, cfg.KeyVaultNamespace)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		return repo, func() { _ = client.Disconnect(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store backend: %q", cfg.StoreBackend)
	}
}

// newKMSProviders は設定されたKMSプロバイダを登録する。
func newKMSProviders(ctx context.Context, cfg *config.Config) (*infra.KMSProviders, []io.Closer, error) {
	providers := make(map[string]infra.KMSProvider)
	var closers []io.Closer

	if cfg.LocalMasterKey != "" {
		local, err := infra.NewLocalKMSFromBase64(cfg.LocalMasterKey)
		if err != nil {
			return nil, nil, err
		}
		providers[infra.LocalProviderName] = local
	}
	if cfg.AWSRegion != "" {
		aws, err := infra.NewAWSKMS(ctx, infra.AWSKMSOptions{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
			Endpoint:        cfg.AWSKMSEndpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		providers[infra.AWSProviderName] = aws
	}
	if cfg.GCPKMSEnabled {
		gcp, err := infra.NewGCPKMS(ctx)
		if err != nil {
			return nil, nil, err
		}
		providers[infra.GCPProviderName] = gcp
		closers = append(closers, gcp)
	}

	if len(providers) == 0 {
		return nil, nil, errors.New("no KMS provider configured (set LOCAL_MASTER_KEY, AWS_REGION or GCP_KMS_ENABLED)")
	}
	return infra.NewKMSProviders(providers), closers, nil
}
