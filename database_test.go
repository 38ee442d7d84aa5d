package bioindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabase(t *testing.T) {
	t.Run("create new database", func(t *testing.T) {
		tmpDir := filepath.Join(t.TempDir(), "test_db")
		db, err := NewDatabase(tmpDir)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		// Verify components are initialized
		assert.NotNil(t, db.EntityRepository())
		assert.NotNil(t, db.TaxonRepository())
		assert.NotNil(t, db.CheckpointRepository())
		assert.NotNil(t, db.TextIndex())
		assert.NotNil(t, db.backend)
		assert.NotNil(t, db.logger)
	})

	t.Run("error with invalid path", func(t *testing.T) {
		// Try to create a database at a file path instead of directory
		tmpFile := filepath.Join(t.TempDir(), "not_a_dir")
		err := os.WriteFile(tmpFile, []byte("test"), 0644)
		require.NoError(t, err)

		db, err := NewDatabase(tmpFile)
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestDatabase_Close(t *testing.T) {
	tmpDir := t.TempDir()
	db, err := NewDatabase(tmpDir)
	require.NoError(t, err)
	require.NotNil(t, db)

	err = db.Close()
	assert.NoError(t, err)
}

func TestDatabase_FactoryMethods(t *testing.T) {
	tmpDir := t.TempDir()
	db, err := NewDatabase(tmpDir)
	require.NoError(t, err)
	require.NotNil(t, db)
	defer db.Close()

	resolver, err := db.NewResolver()
	require.NoError(t, err)
	require.NotNil(t, resolver)

	t.Run("can create scheduler", func(t *testing.T) {
		scheduler, err := db.NewScheduler(resolver)
		require.NoError(t, err)
		require.NotNil(t, scheduler)
		scheduler.Stop()
	})

	t.Run("can create searcher", func(t *testing.T) {
		searcher, err := db.NewSearcher()
		require.NoError(t, err)
		require.NotNil(t, searcher)
	})

	t.Run("can create maintenance passes", func(t *testing.T) {
		reembedder, err := db.NewReembedder(nil, nil)
		require.NoError(t, err)
		require.NotNil(t, reembedder)

		refresher, err := db.NewCellRefresher(nil)
		require.NoError(t, err)
		require.NotNil(t, refresher)
	})
}
