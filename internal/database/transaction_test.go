package database

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestTransactionOwnership(t *testing.T) {
	ctx := context.Background()

	t.Run("joined wrapper cannot close the transaction", func(t *testing.T) {
		state := &txState{tx: &sqlx.Tx{}}
		joined := &Transaction{state: state, logger: testLogger()}

		require.True(t, joined.IsOpen())
		require.NoError(t, joined.Commit(ctx))
		assert.False(t, state.closed)
		require.NoError(t, joined.Rollback(ctx))
		assert.False(t, state.closed)
	})

	t.Run("owner calls after close are no-ops", func(t *testing.T) {
		state := &txState{tx: &sqlx.Tx{}, closed: true}
		owner := &Transaction{state: state, logger: testLogger(), owner: true}

		assert.False(t, owner.IsOpen())
		require.NoError(t, owner.Commit(ctx))
		require.NoError(t, owner.Rollback(ctx))
	})

	t.Run("zero state is not open", func(t *testing.T) {
		var empty Transaction
		assert.False(t, empty.IsOpen())
	})
}
