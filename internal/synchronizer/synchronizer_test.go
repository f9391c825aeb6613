package synchronizer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/depotsync/internal/aggregator"
	"github.com/smallbiznis/depotsync/internal/clock"
	credentialdomain "github.com/smallbiznis/depotsync/internal/credential/domain"
	erpdomain "github.com/smallbiznis/depotsync/internal/erp/domain"
	mirrordomain "github.com/smallbiznis/depotsync/internal/mirror/domain"
	mirrorrepository "github.com/smallbiznis/depotsync/internal/mirror/repository"
	"github.com/smallbiznis/depotsync/internal/suppression"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type tenantsMock struct {
	mock.Mock
}

func (m *tenantsMock) Get(ctx context.Context, tenantID string) (*tenantdomain.SyncConfig, error) {
	args := m.Called(ctx, tenantID)
	cfg := args.Get(0)
	if cfg == nil {
		return nil, args.Error(1)
	}
	return cfg.(*tenantdomain.SyncConfig), args.Error(1)
}

func (m *tenantsMock) ListEnabled(ctx context.Context) ([]tenantdomain.SyncConfig, error) {
	return nil, nil
}
func (m *tenantsMock) Save(ctx context.Context, cfg *tenantdomain.SyncConfig) error { return nil }
func (m *tenantsMock) IncrementCounter(ctx context.Context, tenantID string, counter tenantdomain.Counter) error {
	return nil
}
func (m *tenantsMock) MarkSynced(ctx context.Context, tenantID string, at time.Time) error {
	m.Called(ctx, tenantID, at)
	return nil
}

type credentialsMock struct {
	mock.Mock
}

func (m *credentialsMock) Get(ctx context.Context, tenantID, accountRef string) (*credentialdomain.Record, credentialdomain.Tokens, error) {
	return nil, credentialdomain.Tokens{}, nil
}
func (m *credentialsMock) Store(ctx context.Context, tenantID, accountRef string, tokens credentialdomain.Tokens) error {
	return nil
}
func (m *credentialsMock) Deactivate(ctx context.Context, tenantID, accountRef, reason string) error {
	return nil
}
func (m *credentialsMock) ActiveRefs(ctx context.Context, tenantID string) ([]string, error) {
	args := m.Called(ctx, tenantID)
	refs := args.Get(0)
	if refs == nil {
		return nil, args.Error(1)
	}
	return refs.([]string), args.Error(1)
}

type erpMock struct {
	mock.Mock
}

func (m *erpMock) GetProduct(ctx context.Context, account erpdomain.Account, ref string) (*erpdomain.Product, error) {
	args := m.Called(ctx, account, ref)
	product := args.Get(0)
	if product == nil {
		return nil, args.Error(1)
	}
	return product.(*erpdomain.Product), args.Error(1)
}

func (m *erpMock) GetDepositBalance(ctx context.Context, account erpdomain.Account, productRef string, productID, depositID int64) (erpdomain.DepositBalance, error) {
	args := m.Called(ctx, account, productRef, productID, depositID)
	return args.Get(0).(erpdomain.DepositBalance), args.Error(1)
}

func (m *erpMock) WriteStockMovement(ctx context.Context, account erpdomain.Account, movement erpdomain.Movement) error {
	args := m.Called(ctx, account, movement)
	return args.Error(0)
}

func (m *erpMock) GetOrderDetail(ctx context.Context, account erpdomain.Account, orderID string) (*erpdomain.Order, error) {
	return nil, nil
}

type fixture struct {
	sync        Synchronizer
	db          *gorm.DB
	tenants     *tenantsMock
	credentials *credentialsMock
	erp         *erpMock
	mirror      mirrordomain.Repository
	suppressor  *suppression.Registry
	clock       *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&mirrordomain.Stock{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	tenants := new(tenantsMock)
	credentials := new(credentialsMock)
	erp := new(erpMock)
	mirrorRepo := mirrorrepository.Provide()
	suppressor := suppression.NewRegistry(clk)

	sync := New(Params{
		Log:         zap.NewNop(),
		DB:          db,
		Node:        node,
		Clock:       clk,
		Tenants:     tenants,
		Credentials: credentials,
		Mirror:      mirrorRepo,
		Aggregator:  aggregator.New(aggregator.Params{Log: zap.NewNop(), ERP: erp}),
		ERP:         erp,
		Suppressor:  suppressor,
		Metrics:     nil,
	})
	return &fixture{
		sync:        sync,
		db:          db,
		tenants:     tenants,
		credentials: credentials,
		erp:         erp,
		mirror:      mirrorRepo,
		suppressor:  suppressor,
		clock:       clk,
	}
}

func syncConfig() *tenantdomain.SyncConfig {
	return &tenantdomain.SyncConfig{
		TenantID: "t1",
		Accounts: []tenantdomain.Account{
			{Ref: "acc-a", Active: true},
			{Ref: "acc-b", Active: true},
		},
		Deposits: []tenantdomain.Deposit{
			{ID: 1, Type: tenantdomain.DepositPrincipal, AccountRef: "acc-a"},
			{ID: 2, Type: tenantdomain.DepositPrincipal, AccountRef: "acc-b"},
			{ID: 3, Type: tenantdomain.DepositShared, AccountRef: "acc-a"},
		},
		Rule:         tenantdomain.RuleSum,
		PrincipalIDs: []int64{1, 2},
		SharedIDs:    []int64{3},
		Enabled:      true,
	}
}

func TestSynchronize_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tenants.On("Get", mock.Anything, "t1").Return(syncConfig(), nil)
	f.tenants.On("MarkSynced", mock.Anything, "t1", mock.Anything).Return(nil)
	f.credentials.On("ActiveRefs", mock.Anything, "t1").Return([]string{"acc-a", "acc-b"}, nil)

	accA := erpdomain.Account{TenantID: "t1", Ref: "acc-a"}
	accB := erpdomain.Account{TenantID: "t1", Ref: "acc-b"}
	f.erp.On("GetProduct", mock.Anything, accA, "SKU-1").Return(&erpdomain.Product{ID: 100, SKU: "SKU-1"}, nil)
	f.erp.On("GetProduct", mock.Anything, accB, "SKU-1").Return(&erpdomain.Product{ID: 200, SKU: "SKU-1"}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, accA, "SKU-1", int64(100), int64(1)).
		Return(erpdomain.DepositBalance{Physical: 5}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, accB, "SKU-1", int64(200), int64(2)).
		Return(erpdomain.DepositBalance{Physical: 7}, nil)
	f.erp.On("WriteStockMovement", mock.Anything, accA, erpdomain.Movement{
		ProductID: 100,
		DepositID: 3,
		Quantity:  12,
		Operation: erpdomain.OperationBalance,
	}).Return(nil)

	result, err := f.sync.Synchronize(ctx, "t1", "SKU-1", "webhook")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 12.0, result.Sum)
	assert.Equal(t, map[string]float64{"acc-a": 5, "acc-b": 7}, result.PerAccount)
	require.Len(t, result.SharedWrites, 1)
	assert.True(t, result.SharedWrites[0].Success)
	assert.Empty(t, result.Errors)

	// The echo of the shared write is registered for suppression.
	assert.True(t, f.suppressor.ConsumeEcho("t1", 3, "SKU-1"))

	stock, err := f.mirror.Get(ctx, f.db, "t1", "SKU-1")
	require.NoError(t, err)
	require.NotNil(t, stock)
	assert.Equal(t, 12.0, stock.Total)
	assert.Equal(t, map[string]float64{"acc-a": 5, "acc-b": 7}, stock.PerAccount)

	f.erp.AssertExpectations(t)
	f.tenants.AssertExpectations(t)
}

func TestSynchronize_CompositeProductBlocksAllWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tenants.On("Get", mock.Anything, "t1").Return(syncConfig(), nil)
	f.credentials.On("ActiveRefs", mock.Anything, "t1").Return([]string{"acc-a", "acc-b"}, nil)

	accA := erpdomain.Account{TenantID: "t1", Ref: "acc-a"}
	accB := erpdomain.Account{TenantID: "t1", Ref: "acc-b"}
	f.erp.On("GetProduct", mock.Anything, accA, "KIT-1").Return(&erpdomain.Product{ID: 100, SKU: "KIT-1", Format: "E"}, nil)
	f.erp.On("GetProduct", mock.Anything, accB, "KIT-1").Return(&erpdomain.Product{ID: 200, SKU: "KIT-1"}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(erpdomain.DepositBalance{Physical: 5}, nil)

	_, err := f.sync.Synchronize(ctx, "t1", "KIT-1", "webhook")
	assert.ErrorIs(t, err, ErrCompositeProduct)

	// No stock movement, no suppression mark, no mirror entry.
	f.erp.AssertNotCalled(t, "WriteStockMovement", mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, f.suppressor.ConsumeEcho("t1", 3, "KIT-1"))
	stock, err := f.mirror.Get(ctx, f.db, "t1", "KIT-1")
	require.NoError(t, err)
	assert.Nil(t, stock)
}

func TestSynchronize_CompositeResolvedDuringPropagationBlocksWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tenants.On("Get", mock.Anything, "t1").Return(syncConfig(), nil)
	f.credentials.On("ActiveRefs", mock.Anything, "t1").Return([]string{"acc-a", "acc-b"}, nil)

	accA := erpdomain.Account{TenantID: "t1", Ref: "acc-a"}
	accB := erpdomain.Account{TenantID: "t1", Ref: "acc-b"}
	// The shared deposit's owner fails its lookup during aggregation and only
	// resolves the product, as a kit, right before propagation.
	f.erp.On("GetProduct", mock.Anything, accA, "KIT-2").
		Return(nil, fmt.Errorf("connection reset")).Once()
	f.erp.On("GetProduct", mock.Anything, accA, "KIT-2").
		Return(&erpdomain.Product{ID: 100, SKU: "KIT-2", Format: "E"}, nil)
	f.erp.On("GetProduct", mock.Anything, accB, "KIT-2").Return(&erpdomain.Product{ID: 200, SKU: "KIT-2"}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, accB, "KIT-2", int64(200), int64(2)).
		Return(erpdomain.DepositBalance{Physical: 7}, nil)

	_, err := f.sync.Synchronize(ctx, "t1", "KIT-2", "webhook")
	assert.ErrorIs(t, err, ErrCompositeProduct)

	// No stock movement, no suppression mark, no mirror entry.
	f.erp.AssertNotCalled(t, "WriteStockMovement", mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, f.suppressor.ConsumeEcho("t1", 3, "KIT-2"))
	stock, err := f.mirror.Get(ctx, f.db, "t1", "KIT-2")
	require.NoError(t, err)
	assert.Nil(t, stock)
}

func TestSynchronize_SharedWriteFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := syncConfig()
	cfg.Deposits = append(cfg.Deposits, tenantdomain.Deposit{ID: 4, Type: tenantdomain.DepositShared, AccountRef: "acc-b"})
	cfg.SharedIDs = []int64{3, 4}

	f.tenants.On("Get", mock.Anything, "t1").Return(cfg, nil)
	f.tenants.On("MarkSynced", mock.Anything, "t1", mock.Anything).Return(nil)
	f.credentials.On("ActiveRefs", mock.Anything, "t1").Return([]string{"acc-a", "acc-b"}, nil)

	accA := erpdomain.Account{TenantID: "t1", Ref: "acc-a"}
	accB := erpdomain.Account{TenantID: "t1", Ref: "acc-b"}
	f.erp.On("GetProduct", mock.Anything, accA, "SKU-1").Return(&erpdomain.Product{ID: 100, SKU: "SKU-1"}, nil)
	f.erp.On("GetProduct", mock.Anything, accB, "SKU-1").Return(&erpdomain.Product{ID: 200, SKU: "SKU-1"}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, accA, "SKU-1", int64(100), int64(1)).
		Return(erpdomain.DepositBalance{Physical: 5}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, accB, "SKU-1", int64(200), int64(2)).
		Return(erpdomain.DepositBalance{Physical: 7}, nil)
	// Deposit 3 write fails, deposit 4 write succeeds.
	f.erp.On("WriteStockMovement", mock.Anything, accA, mock.MatchedBy(func(m erpdomain.Movement) bool {
		return m.DepositID == 3
	})).Return(fmt.Errorf("%w: stock movement rejected with status 500", erpdomain.ErrUpstream))
	f.erp.On("WriteStockMovement", mock.Anything, accB, mock.MatchedBy(func(m erpdomain.Movement) bool {
		return m.DepositID == 4
	})).Return(nil)

	result, err := f.sync.Synchronize(ctx, "t1", "SKU-1", "webhook")
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.Len(t, result.SharedWrites, 2)
	assert.False(t, result.SharedWrites[0].Success)
	assert.True(t, result.SharedWrites[1].Success)
	require.Len(t, result.Errors, 1)

	// The mirror still reflects the aggregation.
	stock, err := f.mirror.Get(ctx, f.db, "t1", "SKU-1")
	require.NoError(t, err)
	require.NotNil(t, stock)
	assert.Equal(t, 12.0, stock.Total)
}

func TestSynchronize_StaleActiveFlagIsOverridden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tenants.On("Get", mock.Anything, "t1").Return(syncConfig(), nil)
	f.tenants.On("MarkSynced", mock.Anything, "t1", mock.Anything).Return(nil)
	// acc-b's credential was revoked; configuration still says active.
	f.credentials.On("ActiveRefs", mock.Anything, "t1").Return([]string{"acc-a"}, nil)

	accA := erpdomain.Account{TenantID: "t1", Ref: "acc-a"}
	f.erp.On("GetProduct", mock.Anything, accA, "SKU-1").Return(&erpdomain.Product{ID: 100, SKU: "SKU-1"}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, accA, "SKU-1", int64(100), int64(1)).
		Return(erpdomain.DepositBalance{Physical: 5}, nil)
	f.erp.On("WriteStockMovement", mock.Anything, accA, mock.Anything).Return(nil)

	result, err := f.sync.Synchronize(ctx, "t1", "SKU-1", "webhook")
	require.NoError(t, err)

	assert.Equal(t, 5.0, result.Sum)
	_, hasB := result.PerAccount["acc-b"]
	assert.False(t, hasB)
	// acc-b was never queried.
	f.erp.AssertNotCalled(t, "GetProduct", mock.Anything, erpdomain.Account{TenantID: "t1", Ref: "acc-b"}, mock.Anything)
}

func TestSynchronize_ConfigGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tenants.On("Get", mock.Anything, "missing").Return(nil, nil)
	_, err := f.sync.Synchronize(ctx, "missing", "SKU-1", "webhook")
	assert.ErrorIs(t, err, tenantdomain.ErrNotFound)

	disabled := syncConfig()
	disabled.Enabled = false
	f.tenants.On("Get", mock.Anything, "disabled").Return(disabled, nil)
	_, err = f.sync.Synchronize(ctx, "disabled", "SKU-1", "webhook")
	assert.ErrorIs(t, err, tenantdomain.ErrConfigDisabled)

	incomplete := syncConfig()
	incomplete.SharedIDs = nil
	f.tenants.On("Get", mock.Anything, "incomplete").Return(incomplete, nil)
	_, err = f.sync.Synchronize(ctx, "incomplete", "SKU-1", "webhook")
	assert.ErrorIs(t, err, tenantdomain.ErrConfigIncomplete)
}

func TestSynchronize_NumericRefResolvesToSKU(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tenants.On("Get", mock.Anything, "t1").Return(syncConfig(), nil)
	f.tenants.On("MarkSynced", mock.Anything, "t1", mock.Anything).Return(nil)
	f.credentials.On("ActiveRefs", mock.Anything, "t1").Return([]string{"acc-a", "acc-b"}, nil)

	accA := erpdomain.Account{TenantID: "t1", Ref: "acc-a"}
	accB := erpdomain.Account{TenantID: "t1", Ref: "acc-b"}
	f.erp.On("GetProduct", mock.Anything, accA, "100").Return(&erpdomain.Product{ID: 100, SKU: "SKU-1"}, nil)
	f.erp.On("GetProduct", mock.Anything, accA, "SKU-1").Return(&erpdomain.Product{ID: 100, SKU: "SKU-1"}, nil)
	f.erp.On("GetProduct", mock.Anything, accB, "SKU-1").Return(&erpdomain.Product{ID: 200, SKU: "SKU-1"}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, accA, "SKU-1", int64(100), int64(1)).
		Return(erpdomain.DepositBalance{Physical: 5}, nil)
	f.erp.On("GetDepositBalance", mock.Anything, accB, "SKU-1", int64(200), int64(2)).
		Return(erpdomain.DepositBalance{Physical: 7}, nil)
	f.erp.On("WriteStockMovement", mock.Anything, accA, mock.Anything).Return(nil)

	result, err := f.sync.Synchronize(ctx, "t1", "100", "webhook")
	require.NoError(t, err)
	assert.Equal(t, "SKU-1", result.ProductRef)
	assert.Equal(t, 12.0, result.Sum)
}
