package domain

import "errors"

var (
	// ErrInvalidType は呼び出し側が誤った形の値を渡した場合のエラー（I/O前に検出）。
	ErrInvalidType = errors.New("invalid type")

	// ErrInvalidArgument は値の形は正しいが内容が不正な場合のエラー。
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrKMSProvider は外部KMSの呼び出しが失敗した場合のエラー。
	ErrKMSProvider = errors.New("kms provider error")

	// ErrUnknownKMSProvider は登録されていないKMSプロバイダ名が指定された場合のエラー。
	ErrUnknownKMSProvider = errors.New("unknown kms provider")

	// ErrDuplicateKey はIDまたは別名の一意性制約に違反した場合のエラー。
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrKeyNotFound は指定されたIDの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrIndexConflict は別名の一意インデックスを保証できない場合のエラー。
	ErrIndexConflict = errors.New("index conflict")

	// ErrEncryptionTypeNotSupported は指定アルゴリズムで暗号化できない型の値の場合のエラー。
	ErrEncryptionTypeNotSupported = errors.New("encryption type not supported")

	// ErrDecryption は暗号文を復号できない場合のエラー。
	ErrDecryption = errors.New("decryption error")

	// ErrUnknownAlgorithm は未知の暗号化アルゴリズムが指定された場合のエラー。
	ErrUnknownAlgorithm = errors.New("unknown algorithm")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
