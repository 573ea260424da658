package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Record{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewStore(Params{DB: db, Log: zaptest.NewLogger(t), GenID: node})
}

func TestExecuteRunsOnceAndReplays(t *testing.T) {
	store := newTestStore(t)
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	first, replayed, err := store.Execute(context.Background(), "test", "k1", "fp", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 1, calls)

	second, replayed, err := store.Execute(context.Background(), "test", "k1", "fp", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, 1, calls)
	assert.JSONEq(t, string(first), string(second))
}

func TestExecuteRejectsReusedKey(t *testing.T) {
	store := newTestStore(t)
	fn := func(ctx context.Context) (any, error) { return "ok", nil }

	_, _, err := store.Execute(context.Background(), "test", "k1", "fp-a", fn)
	require.NoError(t, err)

	_, _, err = store.Execute(context.Background(), "test", "k1", "fp-b", fn)
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestExecuteFailedRunIsRetryable(t *testing.T) {
	store := newTestStore(t)
	boom := errors.New("boom")
	calls := 0

	_, _, err := store.Execute(context.Background(), "test", "k1", "fp", func(ctx context.Context) (any, error) {
		calls++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	raw, replayed, err := store.Execute(context.Background(), "test", "k1", "fp", func(ctx context.Context) (any, error) {
		calls++
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)

	var out string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "recovered", out)
}

func TestExecuteScopesAreIndependent(t *testing.T) {
	store := newTestStore(t)
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}

	_, _, err := store.Execute(context.Background(), "scope-a", "k1", "fp", fn)
	require.NoError(t, err)
	_, _, err = store.Execute(context.Background(), "scope-b", "k1", "fp", fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
