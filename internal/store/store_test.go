package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-cosigner/internal/model"
	"vault-cosigner/pkg/database"
	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/wallet/types"
)

func newRun(amount uint64) *model.CosignRun {
	spec := types.TransferSpec{Source: "src", Destination: "dst", FeePayer: "fee", Mint: "mint", Amount: amount, Decimals: 6}
	run := model.NewCosignRun(uuid.NewString(), spec)
	run.Message = []byte{1, 2, 3}
	run.Signers = `["fee","src"]`
	return run
}

// testRunStore 对所有实现执行相同的行为检查
func testRunStore(t *testing.T, s RunStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, errno.ErrRunNotFound)

	run := newRun(1000)
	require.NoError(t, s.Create(ctx, run))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.StateBuilt, got.State)
	assert.Equal(t, []byte{1, 2, 3}, got.Message)

	active, err := s.FindActive(ctx, run.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)

	run.State = model.StatePollingPhase1
	run.Phase1TxID = "tx-1"
	require.NoError(t, s.Save(ctx, run))
	got, err = s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePollingPhase1, got.State)
	assert.Equal(t, "tx-1", got.Phase1TxID)

	stale, err := s.ListActive(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, run.ID, stale[0].ID)

	fresh, err := s.ListActive(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, fresh)

	other := newRun(2000)
	require.NoError(t, s.Create(ctx, other))
	_, err = s.FindActive(ctx, other.Fingerprint)
	require.NoError(t, err)

	run.State = model.StateDone
	run.FinalTxHash = "hash"
	require.NoError(t, s.Save(ctx, run))
	_, err = s.FindActive(ctx, run.Fingerprint)
	assert.ErrorIs(t, err, errno.ErrRunNotFound)

	stale, err = s.ListActive(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, other.ID, stale[0].ID)

	got, err = s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "hash", got.FinalTxHash)
}

func TestMemoryStore(t *testing.T) {
	testRunStore(t, NewMemoryStore())
}

func TestMemoryStoreRejectsDuplicateCreate(t *testing.T) {
	s := NewMemoryStore()
	run := newRun(1)
	require.NoError(t, s.Create(context.Background(), run))
	assert.ErrorIs(t, s.Create(context.Background(), run), errno.ErrStore)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	testRunStore(t, NewRedisStore(client))
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := NewRedisStore(client)
	mr.Close()

	err := s.Create(context.Background(), newRun(1))
	assert.ErrorIs(t, err, errno.ErrStore)
}

// 需要真实 PostgreSQL: COSIGNER_TEST_DSN="host=localhost user=... dbname=... sslmode=disable"
func TestSQLRunStore(t *testing.T) {
	dsn := os.Getenv("COSIGNER_TEST_DSN")
	if dsn == "" {
		t.Skip("COSIGNER_TEST_DSN not set")
	}
	db, err := database.ConnectPostgres(dsn, false)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	t.Cleanup(func() { db.Exec("DELETE FROM cosign_runs WHERE source = ?", "src") })

	testRunStore(t, NewSQLRunStore(db))
}
