//go:build integration

package history

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

func TestPostgresStore_Integration(t *testing.T) {
	godotenv.Load("../../.env")
	dsn := os.Getenv("RESETCHECK_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RESETCHECK_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	pool, err := Connect(ctx, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := NewPostgresStore(ctx, pool, logger)
	require.NoError(t, err)

	flow := "it-" + uuid.NewString()
	t.Cleanup(func() { pool.Exec(ctx, `DELETE FROM reset_runs WHERE flow = $1`, flow) })

	for i := 1; i <= 3; i++ {
		r := report(flow, i)
		r.RunID = uuid.NewString()
		r.Checks = []resetflow.CheckResult{{Name: resetflow.CheckTrigger, Passed: true}}
		require.NoError(t, s.Record(ctx, r))
	}

	got, err := s.Recent(ctx, flow, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Started.After(got[1].Started))
	assert.Equal(t, resetflow.CheckTrigger, got[0].Checks[0].Name)
}
