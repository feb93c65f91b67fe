package journal_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
	"github.com/randalmurphal/emitroute/pkg/emitroute/journal"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) journal.Store

func sqliteFactory(t *testing.T) journal.Store {
	store, err := journal.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	return store
}

func memoryFactory(*testing.T) journal.Store {
	return journal.NewMemoryStore()
}

func TestStores(t *testing.T) {
	storeContractTest(t, "memory", memoryFactory)
	storeContractTest(t, "sqlite", sqliteFactory)
	storeContractTest(t, "sqlite-in-memory", func(t *testing.T) journal.Store {
		store, err := journal.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return store
	})
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	t.Run(name+"/Append_and_List", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Append(journal.Record{Kind: journal.KindStatus, Code: 401, Message: "first"}))
		require.NoError(t, store.Append(journal.Record{Kind: journal.KindProtocol, Topic: "emitter/x/", Message: "second"}))

		records, err := store.List(0)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "second", records[0].Message)
		assert.Equal(t, "first", records[1].Message)
		assert.Equal(t, 401, records[1].Code)
		assert.NotEmpty(t, records[0].ID)
		assert.False(t, records[0].Timestamp.IsZero())
	})

	t.Run(name+"/List_Limit", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, store.Append(journal.Record{Message: fmt.Sprint(i)}))
		}

		records, err := store.List(2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "4", records[0].Message)
		assert.Equal(t, journal.KindOther, records[0].Kind)
	})

	t.Run(name+"/ListByKind", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Append(journal.Record{Kind: journal.KindHandler, Message: "h1"}))
		require.NoError(t, store.Append(journal.Record{Kind: journal.KindTimeout, Message: "t1"}))
		require.NoError(t, store.Append(journal.Record{Kind: journal.KindHandler, Message: "h2"}))

		records, err := store.ListByKind(journal.KindHandler, 0)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "h2", records[0].Message)

		records, err = store.ListByKind(journal.KindStatus, 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run(name+"/Count_and_Purge", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		old := time.Now().Add(-time.Hour).UTC()
		require.NoError(t, store.Append(journal.Record{Message: "old", Timestamp: old}))
		require.NoError(t, store.Append(journal.Record{Message: "new"}))

		n, err := store.Count()
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		removed, err := store.Purge(time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		records, err := store.List(0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "new", records[0].Message)
	})

	t.Run(name+"/Timestamp_RoundTrip", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		ts := time.Date(2026, 3, 1, 12, 30, 0, 500, time.UTC)
		require.NoError(t, store.Append(journal.Record{ID: "fixed", Message: "m", Timestamp: ts}))

		records, err := store.List(1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "fixed", records[0].ID)
		assert.True(t, ts.Equal(records[0].Timestamp))
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())

		assert.ErrorIs(t, store.Append(journal.Record{}), journal.ErrStoreClosed)
		_, err := store.List(0)
		assert.ErrorIs(t, err, journal.ErrStoreClosed)
		_, err = store.ListByKind(journal.KindOther, 0)
		assert.ErrorIs(t, err, journal.ErrStoreClosed)
		_, err = store.Count()
		assert.ErrorIs(t, err, journal.ErrStoreClosed)
		_, err = store.Purge(time.Now())
		assert.ErrorIs(t, err, journal.ErrStoreClosed)
	})

	t.Run(name+"/Concurrent", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, store.Append(journal.Record{Message: fmt.Sprint(i)}))
				_, err := store.List(5)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		n, err := store.Count()
		require.NoError(t, err)
		assert.Equal(t, 20, n)
	})
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	store, err := journal.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(journal.Record{Kind: journal.KindTimeout, Message: "kept"}))
	require.NoError(t, store.Close())

	reopened, err := journal.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.List(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0].Message)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := journal.NewSQLiteStore(filepath.Join(t.TempDir(), "missing", "dir", "journal.db"))
	assert.Error(t, err)
}

func TestRecordFromError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  journal.Kind
		topic string
		code  int
	}{
		{"protocol", &emerrors.ProtocolError{Topic: "emitter/keygen/", Message: "bad"}, journal.KindProtocol, "emitter/keygen/", 0},
		{"status", &emerrors.StatusError{Code: 403, Message: "forbidden"}, journal.KindStatus, "", 403},
		{"timeout", &emerrors.TimeoutError{Operation: "keygen", Duration: time.Second}, journal.KindTimeout, "keygen", 0},
		{"handler", &emerrors.HandlerError{Topic: "a/b", Handler: "h", Err: errors.New("x")}, journal.KindHandler, "a/b", 0},
		{"configuration", &emerrors.ConfigurationError{Field: "key", Message: "missing"}, journal.KindConfiguration, "key", 0},
		{"transport", fmt.Errorf("publish: %w", emerrors.ErrNotConnected), journal.KindTransport, "", 0},
		{"other", errors.New("something"), journal.KindOther, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := journal.RecordFromError(tt.err)
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, tt.topic, rec.Topic)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.err.Error(), rec.Message)
			assert.NotEmpty(t, rec.ID)
		})
	}

	assert.Equal(t, journal.KindOther, journal.RecordFromError(nil).Kind)
}

func TestOpen(t *testing.T) {
	store, err := journal.Open("", "")
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = journal.Open(journal.DriverMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &journal.MemoryStore{}, store)
	require.NoError(t, store.Close())

	store, err = journal.Open(journal.DriverSQLite, filepath.Join(t.TempDir(), "j.db"))
	require.NoError(t, err)
	assert.IsType(t, &journal.SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = journal.Open("redis", "")
	assert.Error(t, err)
}
