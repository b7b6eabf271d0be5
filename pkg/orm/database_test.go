package orm

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	ID   int64
	Name string
}

func TestInitOpenFailure(t *testing.T) {
	saved := sqlOpen
	t.Cleanup(func() { sqlOpen = saved })
	boom := errors.New("boom")
	sqlOpen = func(string, string) (*sql.DB, error) { return nil, boom }

	_, err := Init(context.Background(), Config{Entities: []any{widget{}}})
	var ie *InitializationError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, "failed to open database", ie.Reason)
	require.ErrorIs(t, err, boom)
}

func TestInitMemoryPool(t *testing.T) {
	ctx := context.Background()
	o, err := Init(ctx, Config{Entities: []any{&widget{}}, Pool: Pool{MaxOpenConns: 8}})
	require.NoError(t, err)
	defer o.Close(ctx, false)

	require.Equal(t, "sqlite", o.Dialect())
	require.Equal(t, 1, o.DB().Stats().MaxOpenConnections)
}

func TestCloseGivesUpWhenContextEnds(t *testing.T) {
	ctx := context.Background()
	o, err := Init(ctx, Config{Entities: []any{widget{}}})
	require.NoError(t, err)

	opCtx, done, err := o.begin(ctx)
	require.NoError(t, err)
	go func() {
		<-opCtx.Done()
		done()
	}()

	expired, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, o.Close(expired, false), context.Canceled)
	require.ErrorIs(t, context.Cause(opCtx), ErrClosed)

	_, _, err = o.begin(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestForcedClose(t *testing.T) {
	ctx := context.Background()
	o, err := Init(ctx, Config{Entities: []any{widget{}}})
	require.NoError(t, err)

	opCtx, done, err := o.begin(ctx)
	require.NoError(t, err)
	go func() {
		<-opCtx.Done()
		done()
	}()
	require.NoError(t, o.Close(ctx, true))
	require.ErrorIs(t, context.Cause(opCtx), ErrClosed)
}
