package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/depotsync/internal/mirror/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Stock{}))
	return db
}

func TestUpsert_CreatesThenUpdates(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	created, err := repo.Upsert(ctx, db, node, "t1", "SKU-1", map[string]float64{"acc-a": 5, "acc-b": 7}, at)
	require.NoError(t, err)
	assert.Equal(t, 12.0, created.Total)

	got, err := repo.Get(ctx, db, "t1", "SKU-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 12.0, got.Total)
	assert.Equal(t, map[string]float64{"acc-a": 5, "acc-b": 7}, got.PerAccount)

	later := at.Add(time.Hour)
	updated, err := repo.Upsert(ctx, db, node, "t1", "SKU-1", map[string]float64{"acc-a": 2}, later)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 2.0, updated.Total)
	assert.Equal(t, later, updated.UpdatedAt.UTC())
}

func TestGet_MissingReturnsNil(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()

	got, err := repo.Get(context.Background(), db, "t1", "SKU-404")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStock_ConservationInvariant(t *testing.T) {
	ok := &domain.Stock{Total: 12, PerAccount: map[string]float64{"acc-a": 5, "acc-b": 7}}
	assert.True(t, ok.Consistent())

	broken := &domain.Stock{Total: 10, PerAccount: map[string]float64{"acc-a": 5, "acc-b": 7}}
	assert.False(t, broken.Consistent())
}

func TestListStale_OrdersAndLimits(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := repo.Upsert(ctx, db, node, "t1", "SKU-old", map[string]float64{"acc-a": 1}, base.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, db, node, "t1", "SKU-older", map[string]float64{"acc-a": 1}, base.Add(-3*time.Hour))
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, db, node, "t1", "SKU-fresh", map[string]float64{"acc-a": 1}, base)
	require.NoError(t, err)

	stale, err := repo.ListStale(ctx, db, "t1", base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "SKU-older", stale[0].ProductRef)
	assert.Equal(t, "SKU-old", stale[1].ProductRef)

	limited, err := repo.ListStale(ctx, db, "t1", base.Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "SKU-older", limited[0].ProductRef)
}
