package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"keyvault-service/internal/domain"
)

const (
	// mongoAltNameIndexName は別名の部分一意インデックス名。
	mongoAltNameIndexName = "keyAltNames_1"

	uuidSubtype byte = 0x04

	// サーバーのエラーコード: IndexOptionsConflict / IndexKeySpecsConflict
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// keyRecordDocument はキーボールトコレクションに保存されるドキュメント。
type keyRecordDocument struct {
	ID           primitive.Binary `bson:"_id"`
	KeyMaterial  []byte           `bson:"keyMaterial"`
	CreationDate time.Time        `bson:"creationDate"`
	UpdateDate   time.Time        `bson:"updateDate"`
	Status       int32            `bson:"status"`
	Version      int64            `bson:"version"`
	MasterKey    domain.MasterKey `bson:"masterKey"`
	KeyAltNames  []string         `bson:"keyAltNames,omitempty"`
}

func uuidBinary(id uuid.UUID) primitive.Binary {
	return primitive.Binary{Subtype: uuidSubtype, Data: id[:]}
}

func (d *keyRecordDocument) toDomain() (*domain.KeyRecord, error) {
	id, err := uuid.FromBytes(d.ID.Data)
	if err != nil {
		return nil, fmt.Errorf("parsing key id: %w", err)
	}
	record := &domain.KeyRecord{
		ID:           id,
		KeyMaterial:  d.KeyMaterial,
		CreationDate: d.CreationDate.UTC(),
		UpdateDate:   d.UpdateDate.UTC(),
		Status:       domain.KeyStatus(d.Status),
		Version:      d.Version,
		MasterKey:    d.MasterKey,
	}
	if len(d.KeyAltNames) > 0 {
		record.KeyAltNames = d.KeyAltNames
	}
	return record, nil
}

// nextUpdateDate は $$NOW と直前の値+1msの大きい方。サーバー側で単調増加させる。
var nextUpdateDate = bson.D{{Key: "$max", Value: bson.A{
	"$$NOW",
	bson.D{{Key: "$add", Value: bson.A{"$updateDate", 1}}},
}}}

// MongoKeyRepository はMongoDBコレクションによる鍵レコードストア。
type MongoKeyRepository struct {
	coll *mongo.Collection
}

// NewMongoKeyRepository は "<db>.<collection>" 形式の名前空間からMongoKeyRepositoryを生成する。
func NewMongoKeyRepository(client *mongo.Client, namespace string) (*MongoKeyRepository, error) {
	db, coll, ok := strings.Cut(namespace, ".")
	if !ok || db == "" || coll == "" {
		return nil, fmt.Errorf("%w: key vault namespace must be <db>.<collection>, got %q", domain.ErrInvalidArgument, namespace)
	}
	return &MongoKeyRepository{coll: client.Database(db).Collection(coll)}, nil
}

// EnsureAltNameIndex はkeyAltNamesの部分一意インデックスを作成する。
func (r *MongoKeyRepository) EnsureAltNameIndex(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys: bson.D{{Key: "keyAltNames", Value: 1}},
		Options: options.Index().
			SetName(mongoAltNameIndexName).
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "keyAltNames", Value: bson.D{{Key: "$exists", Value: true}}}}),
	}
	if _, err := r.coll.Indexes().CreateOne(ctx, model); err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && (cmdErr.HasErrorCode(codeIndexOptionsConflict) || cmdErr.HasErrorCode(codeIndexKeySpecsConflict)) {
			return fmt.Errorf("%w: %s: %s", domain.ErrIndexConflict, mongoAltNameIndexName, cmdErr.Message)
		}
		slog.ErrorContext(ctx, "failed to create alt name index",
			"operation", "ensure_alt_name_index",
			"error", err,
		)
		return fmt.Errorf("creating index %s: %w", mongoAltNameIndexName, err)
	}
	return nil
}

// Insert は鍵ドキュメントを保存する。
func (r *MongoKeyRepository) Insert(ctx context.Context, record *domain.KeyRecord) error {
	doc := &keyRecordDocument{
		ID:           uuidBinary(record.ID),
		KeyMaterial:  record.KeyMaterial,
		CreationDate: record.CreationDate,
		UpdateDate:   record.UpdateDate,
		Status:       int32(record.Status),
		Version:      record.Version,
		MasterKey:    record.MasterKey,
		KeyAltNames:  record.KeyAltNames,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: inserting key %s", domain.ErrDuplicateKey, record.ID)
		}
		slog.ErrorContext(ctx, "failed to insert key",
			"operation", "insert",
			"id", record.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindByID は指定されたIDの鍵を取得する。存在しない場合はnilを返す。
func (r *MongoKeyRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.KeyRecord, error) {
	var doc keyRecordDocument
	err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: uuidBinary(id)}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return doc.toDomain()
}

// FindByAltName は別名を持つ鍵を取得する。
func (r *MongoKeyRepository) FindByAltName(ctx context.Context, name string) ([]*domain.KeyRecord, error) {
	cursor, err := r.coll.Find(ctx, bson.D{{Key: "keyAltNames", Value: name}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key by alt name",
			"operation", "find_by_alt_name",
			"alt_name", name,
			"error", err,
		)
		return nil, err
	}

	var docs []keyRecordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	records := make([]*domain.KeyRecord, 0, len(docs))
	for i := range docs {
		record, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// FindAll は全ての鍵をカーソルで遅延的に返す。反復のたびに新しいクエリを発行する。
func (r *MongoKeyRepository) FindAll(ctx context.Context) iter.Seq2[*domain.KeyRecord, error] {
	return func(yield func(*domain.KeyRecord, error) bool) {
		cursor, err := r.coll.Find(ctx, bson.D{})
		if err != nil {
			slog.ErrorContext(ctx, "failed to find all keys",
				"operation", "find_all",
				"error", err,
			)
			yield(nil, err)
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc keyRecordDocument
			if err := cursor.Decode(&doc); err != nil {
				yield(nil, err)
				return
			}
			record, err := doc.toDomain()
			if !yield(record, err) || err != nil {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// DeleteByID は鍵を削除し、削除件数（0または1）を返す。
func (r *MongoKeyRepository) DeleteByID(ctx context.Context, id uuid.UUID) (int64, error) {
	result, err := r.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: uuidBinary(id)}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key",
			"operation", "delete_by_id",
			"id", id,
			"error", err,
		)
		return 0, err
	}
	return result.DeletedCount, nil
}

// UpdateAltNames は別名の追加・削除とupdateDateの更新をfind-and-modifyで原子的に行い、変更前のドキュメントを返す。
func (r *MongoKeyRepository) UpdateAltNames(ctx context.Context, id uuid.UUID, mutation domain.AltNameMutation) (*domain.KeyRecord, error) {
	filter := bson.D{{Key: "_id", Value: uuidBinary(id)}}
	var altNames any
	switch mutation.Op {
	case domain.AltNameAdd:
		// 同一ドキュメント内の重複はマルチキーインデックスでは防げないため条件に含める
		filter = append(filter, bson.E{Key: "keyAltNames", Value: bson.D{{Key: "$ne", Value: mutation.Name}}})
		altNames = bson.D{{Key: "$concatArrays", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$keyAltNames", bson.A{}}}},
			bson.A{bson.D{{Key: "$literal", Value: mutation.Name}}},
		}}}
	case domain.AltNameRemove:
		altNames = bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$isArray", Value: "$keyAltNames"}},
			bson.D{{Key: "$filter", Value: bson.D{
				{Key: "input", Value: "$keyAltNames"},
				{Key: "cond", Value: bson.D{{Key: "$ne", Value: bson.A{"$$this", bson.D{{Key: "$literal", Value: mutation.Name}}}}}},
			}}},
			"$$REMOVE",
		}}}
	default:
		return nil, fmt.Errorf("%w: unknown alt name operation %d", domain.ErrInvalidArgument, mutation.Op)
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "keyAltNames", Value: altNames},
			{Key: "updateDate", Value: nextUpdateDate},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var doc keyRecordDocument
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toDomain()
	}

	switch {
	case mongo.IsDuplicateKeyError(err):
		return nil, fmt.Errorf("%w: alt name %q", domain.ErrDuplicateKey, mutation.Name)
	case errors.Is(err, mongo.ErrNoDocuments):
		existing, findErr := r.FindByID(ctx, id)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
		}
		return nil, fmt.Errorf("%w: key %s already has alt name %q", domain.ErrDuplicateKey, id, mutation.Name)
	}
	slog.ErrorContext(ctx, "failed to update alt names",
		"operation", "update_alt_names",
		"id", id,
		"mutation", mutation.Op.String(),
		"error", err,
	)
	return nil, err
}

// UnsetEmptyAltNames はkeyAltNamesが空配列または未設定の場合に限りフィールドを削除し、updateDateを更新する。
// 条件に一致しない（並行して別名が追加された、削除された）場合はfalseを返す。
func (r *MongoKeyRepository) UnsetEmptyAltNames(ctx context.Context, id uuid.UUID) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: uuidBinary(id)},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "keyAltNames", Value: bson.D{{Key: "$size", Value: 0}}}},
			bson.D{{Key: "keyAltNames", Value: bson.D{{Key: "$exists", Value: false}}}},
		}},
	}
	update := mongo.Pipeline{
		{{Key: "$unset", Value: "keyAltNames"}},
		{{Key: "$set", Value: bson.D{{Key: "updateDate", Value: nextUpdateDate}}}},
	}

	result, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		slog.ErrorContext(ctx, "failed to unset empty alt names",
			"operation", "unset_empty_alt_names",
			"id", id,
			"error", err,
		)
		return false, err
	}
	return result.MatchedCount > 0, nil
}
