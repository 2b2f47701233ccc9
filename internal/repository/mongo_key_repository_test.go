package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"keyvault-service/internal/domain"
)

// startMongo はMongoDBコンテナを起動して接続済みのクライアントを返す。
// Dockerが使えない環境や -short 指定時はスキップする。
func startMongo(t *testing.T) *mongo.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func newMongoTestRepository(t *testing.T, client *mongo.Client) *MongoKeyRepository {
	t.Helper()
	// サブテストごとに別コレクションを使う
	repo, err := NewMongoKeyRepository(client, "keyvault.datakeys_"+uuid.NewString()[:8])
	require.NoError(t, err)
	require.NoError(t, repo.EnsureAltNameIndex(context.Background()))
	return repo
}

func TestNewMongoKeyRepository_InvalidNamespace(t *testing.T) {
	for _, ns := range []string{"", "keyvault", ".datakeys", "keyvault."} {
		_, err := NewMongoKeyRepository(nil, ns)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, ns)
	}
}

func TestMongoKeyRepository(t *testing.T) {
	client := startMongo(t)
	ctx := context.Background()

	t.Run("EnsureAltNameIndex is idempotent", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		assert.NoError(t, repo.EnsureAltNameIndex(ctx))
	})

	t.Run("EnsureAltNameIndex conflicts with a different definition", func(t *testing.T) {
		repo, err := NewMongoKeyRepository(client, "keyvault.conflict_"+uuid.NewString()[:8])
		require.NoError(t, err)
		_, err = repo.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "keyAltNames", Value: 1}},
			Options: options.Index().SetName(mongoAltNameIndexName),
		})
		require.NoError(t, err)

		assert.ErrorIs(t, repo.EnsureAltNameIndex(ctx), domain.ErrIndexConflict)
	})

	t.Run("Insert and find", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		record := newTestRecord("first", "second")
		require.NoError(t, repo.Insert(ctx, record))

		got, err := repo.FindByID(ctx, record.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, record.ID, got.ID)
		assert.Equal(t, record.MasterKey, got.MasterKey)
		assert.Equal(t, []string{"first", "second"}, got.KeyAltNames)
		assert.True(t, got.CreationDate.Equal(testCreated))

		byName, err := repo.FindByAltName(ctx, "second")
		require.NoError(t, err)
		require.Len(t, byName, 1)
		assert.Equal(t, record.ID, byName[0].ID)

		missing, err := repo.FindByID(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("Insert without alt names leaves the field absent", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		record := newTestRecord()
		require.NoError(t, repo.Insert(ctx, record))

		// 部分インデックスの対象外なので別名なしの鍵は複数作れる
		require.NoError(t, repo.Insert(ctx, newTestRecord()))

		raw, err := repo.coll.FindOne(ctx, bson.D{{Key: "_id", Value: uuidBinary(record.ID)}}).Raw()
		require.NoError(t, err)
		_, lookupErr := raw.LookupErr("keyAltNames")
		assert.Error(t, lookupErr)
	})

	t.Run("Insert duplicate", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		existing := newTestRecord("taken")
		require.NoError(t, repo.Insert(ctx, existing))

		assert.ErrorIs(t, repo.Insert(ctx, newTestRecord("taken")), domain.ErrDuplicateKey)

		dupID := newTestRecord()
		dupID.ID = existing.ID
		assert.ErrorIs(t, repo.Insert(ctx, dupID), domain.ErrDuplicateKey)
	})

	t.Run("FindAll is restartable", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.Insert(ctx, newTestRecord()))
		}
		for round := 0; round < 2; round++ {
			n := 0
			for _, err := range repo.FindAll(ctx) {
				require.NoError(t, err)
				n++
			}
			assert.Equal(t, 3, n)
		}
	})

	t.Run("DeleteByID", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		record := newTestRecord("gone")
		require.NoError(t, repo.Insert(ctx, record))

		deleted, err := repo.DeleteByID(ctx, record.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)

		deleted, err = repo.DeleteByID(ctx, record.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, deleted)
	})

	t.Run("UpdateAltNames returns the pre-image", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		record := newTestRecord("first")
		require.NoError(t, repo.Insert(ctx, record))

		before, err := repo.UpdateAltNames(ctx, record.ID, domain.AltNameMutation{Op: domain.AltNameAdd, Name: "$second"})
		require.NoError(t, err)
		assert.Equal(t, []string{"first"}, before.KeyAltNames)

		after, err := repo.FindByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "$second"}, after.KeyAltNames)
		assert.True(t, after.UpdateDate.After(before.UpdateDate))

		before, err = repo.UpdateAltNames(ctx, record.ID, domain.AltNameMutation{Op: domain.AltNameRemove, Name: "first"})
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "$second"}, before.KeyAltNames)

		after, err = repo.FindByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"$second"}, after.KeyAltNames)
	})

	t.Run("UpdateAltNames errors", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		record := newTestRecord("mine")
		require.NoError(t, repo.Insert(ctx, record))
		require.NoError(t, repo.Insert(ctx, newTestRecord("theirs")))

		_, err := repo.UpdateAltNames(ctx, record.ID, domain.AltNameMutation{Op: domain.AltNameAdd, Name: "theirs"})
		assert.ErrorIs(t, err, domain.ErrDuplicateKey)

		_, err = repo.UpdateAltNames(ctx, record.ID, domain.AltNameMutation{Op: domain.AltNameAdd, Name: "mine"})
		assert.ErrorIs(t, err, domain.ErrDuplicateKey)

		_, err = repo.UpdateAltNames(ctx, uuid.New(), domain.AltNameMutation{Op: domain.AltNameAdd, Name: "x"})
		assert.ErrorIs(t, err, domain.ErrKeyNotFound)

		_, err = repo.UpdateAltNames(ctx, uuid.New(), domain.AltNameMutation{Op: domain.AltNameRemove, Name: "x"})
		assert.ErrorIs(t, err, domain.ErrKeyNotFound)
	})

	t.Run("Remove from absent list keeps the field absent", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		record := newTestRecord()
		require.NoError(t, repo.Insert(ctx, record))

		_, err := repo.UpdateAltNames(ctx, record.ID, domain.AltNameMutation{Op: domain.AltNameRemove, Name: "x"})
		require.NoError(t, err)

		got, err := repo.FindByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Nil(t, got.KeyAltNames)
	})

	t.Run("UnsetEmptyAltNames", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		record := newTestRecord("only")
		require.NoError(t, repo.Insert(ctx, record))

		_, err := repo.UpdateAltNames(ctx, record.ID, domain.AltNameMutation{Op: domain.AltNameRemove, Name: "only"})
		require.NoError(t, err)

		applied, err := repo.UnsetEmptyAltNames(ctx, record.ID)
		require.NoError(t, err)
		assert.True(t, applied)

		raw, err := repo.coll.FindOne(ctx, bson.D{{Key: "_id", Value: uuidBinary(record.ID)}}).Raw()
		require.NoError(t, err)
		_, lookupErr := raw.LookupErr("keyAltNames")
		assert.Error(t, lookupErr, "keyAltNames should be unset")

		// 別名がある場合は何もしない
		_, err = repo.UpdateAltNames(ctx, record.ID, domain.AltNameMutation{Op: domain.AltNameAdd, Name: "back"})
		require.NoError(t, err)
		applied, err = repo.UnsetEmptyAltNames(ctx, record.ID)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("concurrent createKey with the same alt name has one winner", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		const workers = 8
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := repo.Insert(ctx, newTestRecord("contested")); err == nil {
					mu.Lock()
					won++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, domain.ErrDuplicateKey)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, won)
	})

	t.Run("concurrent adds are all applied", func(t *testing.T) {
		repo := newMongoTestRepository(t, client)
		record := newTestRecord()
		require.NoError(t, repo.Insert(ctx, record))

		const workers = 10
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.UpdateAltNames(ctx, record.ID, domain.AltNameMutation{Op: domain.AltNameAdd, Name: fmt.Sprintf("n%d", i)})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := repo.FindByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Len(t, got.KeyAltNames, workers)
	})
}
