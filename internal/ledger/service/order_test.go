package service_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/ledger/ledgertest"
	"github.com/smallbiznis/shadowfiend/internal/ledger/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseOrder_IsIdempotent(t *testing.T) {
	db := ledgertest.NewDB(t)
	svc := ledgertest.NewService(t, db, ledgertest.Options{})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "o1", ProjectID: "p1", UserID: "u1", UnitPrice: dec("0.25"), Type: "instance"})

	for i := 0; i < 2; i++ {
		order, err := svc.CloseOrder(systemCtx(), "o1")
		require.NoError(t, err)
		assert.Equal(t, ledgerdomain.OrderStatusDeleted, order.Status)
		assert.True(t, order.UnitPrice.IsZero())

		stored, err := svc.GetOrder(systemCtx(), "o1")
		require.NoError(t, err)
		assert.Equal(t, ledgerdomain.OrderStatusDeleted, stored.Status)
		assert.Equal(t, "0.0000", stored.UnitPrice.StringFixed(4))
	}

	_, err := svc.CloseOrder(systemCtx(), "ghost")
	assert.ErrorIs(t, err, ledgerdomain.ErrOrderNotFound)
}

func TestUpdateOrderStatus(t *testing.T) {
	db := ledgertest.NewDB(t)
	svc := ledgertest.NewService(t, db, ledgertest.Options{})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "o1", ProjectID: "p1", UserID: "u1", UnitPrice: dec("1")})

	order, err := svc.UpdateOrderStatus(systemCtx(), "o1", ledgerdomain.OrderStatusStopped)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.OrderStatusStopped, order.Status)

	_, err = svc.UpdateOrderStatus(systemCtx(), "o1", ledgerdomain.OrderStatusChanging)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOrderTransition)

	_, err = svc.UpdateOrderStatus(systemCtx(), "o1", ledgerdomain.OrderStatus("bogus"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOrderTransition)

	order, err = svc.UpdateOrderStatus(systemCtx(), "o1", ledgerdomain.OrderStatusDeleted)
	require.NoError(t, err)
	assert.True(t, order.UnitPrice.IsZero())

	_, err = svc.UpdateOrderStatus(systemCtx(), "o1", ledgerdomain.OrderStatusRunning)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOrderTransition)
}

func TestCreateOrder(t *testing.T) {
	db := ledgertest.NewDB(t)
	svc := ledgertest.NewService(t, db, ledgertest.Options{})
	seedAccount(t, svc, "u1", "100", 3)
	seedProject(t, svc, "p1", "u1")

	hourly, err := svc.CreateOrder(systemCtx(), ledgerdomain.CreateOrderRequest{
		ResourceID: "vm-1",
		Type:       "instance",
		UnitPrice:  dec("0.5"),
		ProjectID:  "p1",
		RegionID:   "RegionOne",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", hourly.UserID)
	assert.Nil(t, hourly.CronTime)
	assert.True(t, hourly.TotalPrice.IsZero())

	monthly, err := svc.CreateOrder(systemCtx(), ledgerdomain.CreateOrderRequest{
		ResourceID: "vol-1",
		Type:       "volume",
		UnitPrice:  dec("10"),
		Unit:       ledgerdomain.OrderUnitMonth,
		Period:     3,
		Renew:      true,
		ProjectID:  "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "30.0000", monthly.TotalPrice.StringFixed(4))
	require.NotNil(t, monthly.CronTime)
	assert.True(t, monthly.CronTime.After(monthly.CreatedAt.AddDate(0, 2, 27)))
	assert.Equal(t, "month", monthly.RenewMethod)
	assert.Equal(t, 3, monthly.RenewPeriod)

	account, err := svc.GetAccount(systemCtx(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "70.0000", account.Balance.StringFixed(4))
	assert.Equal(t, "30.0000", account.Consumption.StringFixed(4))

	bills, err := repository.Provide().ListBillsByOrder(systemCtx(), db, monthly.OrderID)
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, ledgerdomain.BillStatusPayed, bills[0].Status)

	_, err = svc.CreateOrder(systemCtx(), ledgerdomain.CreateOrderRequest{
		UnitPrice: dec("500"),
		Unit:      ledgerdomain.OrderUnitYear,
		Period:    1,
		ProjectID: "p1",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrNotSufficientFund)

	_, err = svc.CreateOrder(systemCtx(), ledgerdomain.CreateOrderRequest{UnitPrice: dec("1"), ProjectID: "nope"})
	assert.ErrorIs(t, err, ledgerdomain.ErrProjectNotFound)

	_, err = svc.CreateOrder(systemCtx(), ledgerdomain.CreateOrderRequest{UnitPrice: dec("1"), Unit: "week", ProjectID: "p1"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidUnit)
}

func TestFixOrder(t *testing.T) {
	db := ledgertest.NewDB(t)
	svc := ledgertest.NewService(t, db, ledgertest.Options{})
	seedOrder(t, db, ledgerdomain.Order{
		OrderID:    "o1",
		ProjectID:  "p1",
		UserID:     "u1",
		Unit:       ledgerdomain.OrderUnitMonth,
		UnitPrice:  dec("10"),
		TotalPrice: dec("999"),
		Status:     ledgerdomain.OrderStatusError,
	})

	repo := repository.Provide()
	start := testNow.AddDate(0, -2, 0)
	for i, status := range []ledgerdomain.BillStatus{ledgerdomain.BillStatusPayed, ledgerdomain.BillStatusPayed} {
		require.NoError(t, repo.InsertBill(systemCtx(), db, &ledgerdomain.Bill{
			BillID:     uuid.NewString(),
			OrderID:    "o1",
			Status:     status,
			Unit:       ledgerdomain.OrderUnitMonth,
			UnitPrice:  dec("10"),
			TotalPrice: dec("10"),
			StartTime:  start.AddDate(0, i, 0),
			EndTime:    start.AddDate(0, i+1, 0),
			CreatedAt:  testNow,
		}))
	}

	_, err := svc.FixOrder(systemCtx(), "o1")
	assert.Error(t, err)

	order, err := svc.FixOrder(adminCtx(), "o1")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.OrderStatusStopped, order.Status)
	assert.Equal(t, "20.0000", order.TotalPrice.StringFixed(4))
	require.NotNil(t, order.CronTime)
	assert.True(t, order.CronTime.Equal(start.AddDate(0, 2, 0)))

	again, err := svc.FixOrder(adminCtx(), "o1")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.OrderStatusStopped, again.Status)
}

func TestSwitchAutoRenew(t *testing.T) {
	db := ledgertest.NewDB(t)
	svc := ledgertest.NewService(t, db, ledgertest.Options{})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "hourly", ProjectID: "p1", UserID: "u1"})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "monthly", ProjectID: "p1", UserID: "u1", Unit: ledgerdomain.OrderUnitMonth, RenewMethod: "month", RenewPeriod: 1})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "never", ProjectID: "p1", UserID: "u1", Unit: ledgerdomain.OrderUnitMonth})

	_, err := svc.SwitchAutoRenew(adminCtx(), "hourly", true)
	assert.ErrorIs(t, err, ledgerdomain.ErrOrderRenewError)

	_, err = svc.SwitchAutoRenew(adminCtx(), "never", true)
	assert.ErrorIs(t, err, ledgerdomain.ErrOrderRenewError)

	order, err := svc.SwitchAutoRenew(adminCtx(), "monthly", true)
	require.NoError(t, err)
	assert.True(t, order.Renew)

	order, err = svc.SwitchAutoRenew(adminCtx(), "monthly", false)
	require.NoError(t, err)
	assert.False(t, order.Renew)

	_, err = svc.SwitchAutoRenew(adminCtx(), "ghost", true)
	assert.ErrorIs(t, err, ledgerdomain.ErrOrderNotFound)
}

func TestChargedOrdersAndCounts(t *testing.T) {
	db := ledgertest.NewDB(t)
	svc := ledgertest.NewService(t, db, ledgertest.Options{})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "o1", ProjectID: "p1", UserID: "u1", Owed: true})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "o2", ProjectID: "p1", UserID: "u1", Owed: true, Status: ledgerdomain.OrderStatusStopped})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "o3", ProjectID: "p1", UserID: "u1", Owed: true, Status: ledgerdomain.OrderStatusDeleted})
	seedOrder(t, db, ledgerdomain.Order{OrderID: "o4", ProjectID: "p2", UserID: "u2"})

	count, err := svc.SetChargedOrders(systemCtx(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	o1, err := svc.GetOrder(systemCtx(), "o1")
	require.NoError(t, err)
	assert.True(t, o1.Charged)
	assert.False(t, o1.Owed)

	o3, err := svc.GetOrder(systemCtx(), "o3")
	require.NoError(t, err)
	assert.False(t, o3.Charged, "deleted orders stay untouched")

	count, err = svc.ResetChargedOrders(systemCtx(), []string{"o1", "o2", "o4", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	active, err := svc.CountActiveOrders(systemCtx(), ledgerdomain.OrderFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, active)

	stopped, err := svc.CountStoppedOrders(systemCtx(), ledgerdomain.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stopped)

	page, err := svc.ListOrders(systemCtx(), ledgerdomain.OrderFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestCronTimeSurvivesRoundTrip(t *testing.T) {
	db := ledgertest.NewDB(t)
	svc := ledgertest.NewService(t, db, ledgertest.Options{})
	cron := testNow.Add(72 * time.Hour)
	seedOrder(t, db, ledgerdomain.Order{OrderID: "o1", ProjectID: "p1", UserID: "u1", CronTime: &cron})

	order, err := svc.GetOrder(systemCtx(), "o1")
	require.NoError(t, err)
	require.NotNil(t, order.CronTime)
	assert.True(t, order.CronTime.Equal(cron))
}
