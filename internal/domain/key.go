// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// DataKeySize はデータ鍵の長さ（MAC鍵32 + 暗号鍵32 + IV鍵32 バイト）。
const DataKeySize = 96

// KeyStatus はデータ鍵のライフサイクル状態を表す。現状は作成時の既定値のみ使用する。
type KeyStatus int32

const (
	// KeyStatusDefault は作成時の既定ステータス。
	KeyStatusDefault KeyStatus = 0
)

// KeyRecord は永続化されるデータ鍵ドキュメントを表す。
//
// ID・KeyMaterial・MasterKey・CreationDate は作成後に変更されない。
// KeyAltNames は存在する場合は必ず1件以上で、空になる場合はnil（未設定）に戻る。
type KeyRecord struct {
	ID           uuid.UUID
	KeyMaterial  []byte
	CreationDate time.Time
	UpdateDate   time.Time
	Status       KeyStatus
	Version      int64
	MasterKey    MasterKey
	KeyAltNames  []string
}

// HasAltName は指定された別名を保持しているかを返す。
func (r *KeyRecord) HasAltName(name string) bool {
	return slices.Contains(r.KeyAltNames, name)
}

// MasterKey はデータ鍵をラップしたプロバイダ側マスター鍵の記述子を表す。
type MasterKey struct {
	Provider string `json:"provider" bson:"provider"`
	Key      string `json:"key,omitempty" bson:"key,omitempty"`
	Region   string `json:"region,omitempty" bson:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" bson:"endpoint,omitempty"`
}

// WrappedDataKey はKMSプロバイダが生成したラップ済みデータ鍵を表す。
type WrappedDataKey struct {
	MasterKey   MasterKey
	KeyMaterial []byte
}

// InsertResult は鍵作成時の挿入結果を表す。
type InsertResult struct {
	Acknowledged bool
	InsertedID   uuid.UUID
}

// AltNameOp は別名リストに対する操作種別。
type AltNameOp int

const (
	// AltNameAdd は別名を末尾に追加する。
	AltNameAdd AltNameOp = iota + 1
	// AltNameRemove は別名を取り除く。
	AltNameRemove
)

func (op AltNameOp) String() string {
	switch op {
	case AltNameAdd:
		return "add"
	case AltNameRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// AltNameMutation は別名リストへの単一の原子的変更を表す。
type AltNameMutation struct {
	Op   AltNameOp
	Name string
}

// TimestampPrecision はcreationDate/updateDateの保存精度（BSON日付に合わせてミリ秒）。
const TimestampPrecision = time.Millisecond

// Timestamp は時刻を保存精度のUTCに丸める。
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// NextUpdateDate は直前のupdateDateより必ず後になる更新時刻を返す。
// 時計が進んでいない（または戻った）場合は直前の値に最小単位を足す。
func NextUpdateDate(prev, now time.Time) time.Time {
	next := Timestamp(now)
	if !next.After(prev) {
		next = Timestamp(prev).Add(TimestampPrecision)
	}
	return next
}
