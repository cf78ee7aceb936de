package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scenesync/db"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/registry"
	"github.com/teranos/scenesync/scene"
)

func setupTestDB(t *testing.T) *sql.DB {
	database, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "scenesync.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func populatedRegistry(t *testing.T) *registry.Registry {
	reg := registry.New(nil)
	res := reg.ApplyMessage(scene.Message{Origin: "peer-b", Seq: 1, Ops: []scene.Op{
		scene.CreateOp("mat-1", scene.TypeMaterial, scene.Attributes{
			scene.AttrName: scene.String("Steel"),
			"roughness":    scene.Float(0.4),
		}),
		scene.CreateOp("mesh-1", scene.TypeMesh, scene.Attributes{
			scene.AttrName: scene.String("CubeMesh"),
			"materials":    scene.RefSeq("mat-1"),
			"vertices":     scene.Int(8),
		}),
		scene.CreateOp("obj-1", scene.TypeObject, scene.Attributes{
			scene.AttrName:  scene.String("Cube"),
			scene.AttrData:  scene.Ref("mesh-1"),
			"location":      scene.Vector(1, 2, 3),
			"hide_viewport": scene.Bool(false),
		}),
		scene.CreateOp("lamp-1", scene.TypeLight, scene.Attributes{scene.AttrName: scene.String("Lamp")}),
	}})
	require.Empty(t, res.Errors)
	res = reg.ApplyMessage(scene.Message{Origin: "peer-b", Seq: 2, Ops: []scene.Op{
		scene.DeleteOp("lamp-1", scene.TypeLight),
	}})
	require.Empty(t, res.Errors)
	return reg
}

func TestSaveAndLoadRegistry(t *testing.T) {
	database := setupTestDB(t)
	store := New(database, "peer-a", nil)

	saved := populatedRegistry(t)
	require.NoError(t, store.SaveRegistry(saved))

	loaded := registry.New(nil)
	require.NoError(t, store.LoadRegistry(loaded))

	assert.Equal(t, saved.Len(), loaded.Len())
	for _, want := range saved.All() {
		got, ok := loaded.Get(want.ID)
		require.True(t, ok, "entity %s", want.ID)
		assert.True(t, want.Equal(got), "entity %s round-trips", want.ID)
	}
	assert.True(t, loaded.IsDeleted("lamp-1"))
	assert.Equal(t, uint64(2), loaded.Watermark("peer-b"))
	assert.True(t, loaded.Seen("peer-b", 2))
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	database := setupTestDB(t)
	store := New(database, "peer-a", nil)

	reg := populatedRegistry(t)
	require.NoError(t, store.SaveRegistry(reg))

	res := reg.ApplyMessage(scene.Message{Origin: "peer-b", Seq: 3, Ops: []scene.Op{
		scene.DeleteOp("obj-1", scene.TypeObject),
	}})
	require.Empty(t, res.Errors)
	require.NoError(t, store.SaveRegistry(reg))

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 2, stats.Tombstones)
	assert.Equal(t, 1, stats.Origins)
	assert.Equal(t, map[string]int{"material": 1, "mesh": 1}, stats.ByType)
	assert.Equal(t, 2, stats.Saves)
	require.NotNil(t, stats.LastSaved)
}

func TestLoadEmptyStore(t *testing.T) {
	store := New(setupTestDB(t), "peer-a", nil)

	reg := populatedRegistry(t)
	require.NoError(t, store.LoadRegistry(reg))
	assert.Equal(t, 0, reg.Len())

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Saves)
	assert.Nil(t, stats.LastSaved)
}

func TestLoadInconsistentStore(t *testing.T) {
	database := setupTestDB(t)
	_, err := database.Exec(`INSERT INTO entities (id, type, attrs) VALUES ('obj-1', 'object', '{}')`)
	require.NoError(t, err)
	_, err = database.Exec(`INSERT INTO tombstones (id, type) VALUES ('obj-1', 'object')`)
	require.NoError(t, err)

	err = New(database, "peer-a", nil).LoadRegistry(registry.New(nil))
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "delete the database file")
}

func TestLoadCorruptAttributes(t *testing.T) {
	database := setupTestDB(t)
	_, err := database.Exec(`INSERT INTO entities (id, type, attrs) VALUES ('obj-1', 'object', 'not json')`)
	require.NoError(t, err)

	err = New(database, "peer-a", nil).LoadRegistry(registry.New(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode attributes of obj-1")
}

func TestSaveRegistry_Sqlmock(t *testing.T) {
	t.Run("begin fails", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		mock.ExpectBegin().WillReturnError(errors.New("disk full"))

		err = New(mockDB, "peer-a", nil).SaveRegistry(registry.New(nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "begin save")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert fails rolls back", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		reg := registry.New(nil)
		reg.ApplyMessage(scene.Message{Origin: "peer-b", Seq: 1, Ops: []scene.Op{
			scene.CreateOp("obj-1", scene.TypeObject, scene.Attributes{scene.AttrName: scene.String("Cube")}),
		}})

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM entities").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM tombstones").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM watermarks").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO entities").
			WithArgs("obj-1", "object", sqlmock.AnyArg()).
			WillReturnError(errors.New("constraint failed"))
		mock.ExpectRollback()

		err = New(mockDB, "peer-a", nil).SaveRegistry(reg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "save entity obj-1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("closed database", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		mock.ExpectBegin().WillReturnError(sql.ErrConnDone)
		mock.ExpectBegin().WillReturnError(errors.New("sql: database is closed"))

		s := New(mockDB, "peer-a", nil)
		err = s.SaveRegistry(registry.New(nil))
		assert.False(t, db.IsDatabaseClosed(err))
		err = s.SaveRegistry(registry.New(nil))
		assert.ErrorIs(t, err, db.ErrDatabaseClosed)
	})
}

func TestLoadRegistry_Sqlmock(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT id, type, attrs FROM entities").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "attrs"}).
			AddRow("obj-1", "object", `{"name":{"k":"string","v":"Cube"}}`))
	mock.ExpectQuery("SELECT id, type FROM tombstones").
		WillReturnError(errors.New("no such table: tombstones"))

	reg := registry.New(nil)
	err = New(mockDB, "peer-a", nil).LoadRegistry(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query tombstones")
	assert.Equal(t, 0, reg.Len(), "a failed load leaves the registry untouched")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_Sqlmock(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT type, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"type", "count"}).AddRow("object", 3).AddRow("mesh", 2))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM tombstones").
		WillReturnError(errors.New("disk I/O error"))

	_, err = New(mockDB, "peer-a", nil).Stats()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count tombstones")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastPeer(t *testing.T) {
	database := setupTestDB(t)

	_, ok, err := New(database, "peer-a", nil).LastPeer()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, New(database, "peer-a", nil).SaveRegistry(registry.New(nil)))
	require.NoError(t, New(database, "peer-c", nil).SaveRegistry(registry.New(nil)))

	peer, ok, err := New(database, "peer-x", nil).LastPeer()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, scene.PeerID("peer-c"), peer)
}
