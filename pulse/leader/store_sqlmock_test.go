package leader

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareAndSwapUpdate_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLiteStore(db, "prod")
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE job_service_management\s+SET .*\s+WHERE cluster = \? AND token = \? AND epoch = \?`).
		WithArgs("r2", "tok-2", int64(8), sqlmock.AnyArg(), "", "prod", "tok-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.CompareAndSwap(context.Background(),
		Info{Token: "tok-1", Epoch: 7}, true,
		Info{HolderID: "r2", Token: "tok-2", Epoch: 8, LastHeartbeat: now})
	require.NoError(t, err)
	assert.False(t, ok, "no matching row means the swap lost")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapInsert_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO job_service_management .* ON CONFLICT\(cluster\) DO NOTHING`).
		WithArgs("default", "r1", "tok", int64(1), sqlmock.AnyArg(), "1.0.0").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ok, err := NewSQLiteStore(db, "").CompareAndSwap(context.Background(), Info{}, false,
		Info{HolderID: "r1", Token: "tok", Epoch: 1, LastHeartbeat: time.Now(), Version: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
