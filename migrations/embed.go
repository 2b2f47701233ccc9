// Package migrations はkeyctl migrate が適用するMySQL用スキーマ定義を埋め込む。
package migrations

import "embed"

// FS はバージョン順に適用される {version}_{name}.sql ファイル群。
//
//go:embed *.sql
var FS embed.FS
