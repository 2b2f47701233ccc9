package usecase

import (
	"context"
	"errors"
	"slices"
	"testing"
	"testing/fstest"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"keyvault-service/internal/domain"
	"keyvault-service/migrations"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	recordError       error
	ensureCalls       int
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	m.ensureCalls++
	return nil
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) RecordMigration(ctx context.Context, tx *gorm.DB, version string) error {
	if m.recordError != nil {
		return m.recordError
	}
	now := time.Now()
	m.appliedMigrations[version] = &domain.Migration{
		Version:   version,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

// testMigrationsFS はテスト用のマイグレーションファイル群。
func testMigrationsFS() fstest.MapFS {
	return fstest.MapFS{
		"001_create_users.sql":    {Data: []byte("-- users\nCREATE TABLE users (id INT);")},
		"002_create_posts.sql":    {Data: []byte("CREATE TABLE posts (id INT);\nCREATE INDEX idx_posts_id ON posts(id);")},
		"003_create_comments.sql": {Data: []byte("CREATE TABLE comments (id INT);")},
		"README.md":               {Data: []byte("not a migration")},
	}
}

// setupMigrationTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupMigrationTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func tableExists(t *testing.T, db *gorm.DB, table string) bool {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count).Error; err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return count == 1
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationTestDB(t)
	repo := newMockMigrationRepository()

	service := NewMigrationService(repo, db, testMigrationsFS())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}
	if repo.ensureCalls != 1 {
		t.Errorf("expected EnsureTable to be called once, got %d", repo.ensureCalls)
	}

	for _, table := range []string{"users", "posts", "comments"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s was not created", table)
		}
	}

	// 2回目は何も適用しない
	count, err = service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 migrations applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationTestDB(t)
	repo := newMockMigrationRepository()

	now := time.Now()
	for _, v := range []string{"001", "002"} {
		repo.appliedMigrations[v] = &domain.Migration{Version: v, AppliedAt: &now, Status: domain.MigrationStatusApplied}
	}

	service := NewMigrationService(repo, db, testMigrationsFS())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
	if tableExists(t, db, "users") {
		t.Error("applied migration 001 was executed again")
	}
}

func TestMigrationService_ApplyMigrations_Error(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationTestDB(t)
	repo := newMockMigrationRepository()

	fsys := testMigrationsFS()
	fsys["004_invalid.sql"] = &fstest.MapFile{Data: []byte("INVALID SQL SYNTAX;")}

	service := NewMigrationService(repo, db, fsys)

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Errorf("expected ErrMigrationFailed, got %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied before the failure, got %d", count)
	}
	if _, ok := repo.appliedMigrations["004"]; ok {
		t.Error("failed migration must not be recorded")
	}
}

func TestMigrationService_ApplyMigrations_RecordError(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationTestDB(t)
	repo := newMockMigrationRepository()
	repo.recordError = errors.New("disk full")

	service := NewMigrationService(repo, db, fstest.MapFS{
		"001_create_users.sql": {Data: []byte("CREATE TABLE users (id INT);")},
	})

	if _, err := service.ApplyMigrations(ctx); !errors.Is(err, domain.ErrMigrationFailed) {
		t.Errorf("expected ErrMigrationFailed, got %v", err)
	}
	// 記録に失敗した場合はDDLもロールバックされる
	if tableExists(t, db, "users") {
		t.Error("expected migration to be rolled back")
	}
}

func TestMigrationService_InvalidFileName(t *testing.T) {
	service := NewMigrationService(newMockMigrationRepository(), setupMigrationTestDB(t), fstest.MapFS{
		"create_users.sql": {Data: []byte("CREATE TABLE users (id INT);")},
	})

	if _, err := service.ApplyMigrations(context.Background()); !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
	}
}

func TestParseMigrationFileName(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantErr     bool
	}{
		{filename: "001_create_key_records.sql", wantVersion: "001", wantName: "create_key_records"},
		{filename: "20240501_add_index.sql", wantVersion: "20240501", wantName: "add_index"},
		{filename: "create_users.sql", wantErr: true},
		{filename: "v1_create_users.sql", wantErr: true},
		{filename: "001.sql", wantErr: true},
		{filename: "_create.sql", wantErr: true},
		{filename: "001_.sql", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFileName(tt.filename)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidMigrationFile) {
					t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version != tt.wantVersion || name != tt.wantName {
				t.Errorf("got %s/%s, want %s/%s", version, name, tt.wantVersion, tt.wantName)
			}
		})
	}
}

func TestMigrationService_DuplicateVersion(t *testing.T) {
	service := NewMigrationService(newMockMigrationRepository(), setupMigrationTestDB(t), fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 1;")},
	})

	if _, err := service.GetMigrationStatus(context.Background()); !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationTestDB(t)
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{
		Version:   "001",
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}

	service := NewMigrationService(repo, db, testMigrationsFS())

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusPending,
		"003": domain.MigrationStatusPending,
	}
	for _, migration := range migrations {
		expectedStatus, exists := expectedStatuses[migration.Version]
		if !exists {
			t.Errorf("unexpected migration version: %s", migration.Version)
			continue
		}
		if migration.Status != expectedStatus {
			t.Errorf("migration %s: expected status %s, got %s", migration.Version, expectedStatus, migration.Status)
		}
	}
	if migrations[0].AppliedAt == nil {
		t.Error("expected applied_at for 001")
	}
}

func TestSplitStatements(t *testing.T) {
	sql := "-- comment; with semicolon\nCREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n;"
	got := splitStatements(sql)
	want := []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}
	if !slices.Equal(got, want) {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestSplitStatements_SemicolonInsideLine(t *testing.T) {
	sql := "CREATE TABLE a (\n  id INT COMMENT 'a;b',\n  note VARCHAR(10) DEFAULT ';'\n);\nINSERT INTO a (id) VALUES (1);"
	got := splitStatements(sql)
	want := []string{
		"CREATE TABLE a (\n  id INT COMMENT 'a;b',\n  note VARCHAR(10) DEFAULT ';'\n)",
		"INSERT INTO a (id) VALUES (1)",
	}
	if !slices.Equal(got, want) {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	service := NewMigrationService(newMockMigrationRepository(), nil, migrations.FS)

	found, err := service.scanMigrationFiles()
	if err != nil {
		t.Fatalf("scanMigrationFiles failed: %v", err)
	}
	var names []string
	for _, m := range found {
		names = append(names, m.Version+"_"+m.Name)
	}
	want := []string{"001_create_key_records", "002_create_key_alt_names"}
	if !slices.Equal(names, want) {
		t.Errorf("want %v, got %v", want, names)
	}
}
