package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/shadowfiend/internal/authorization"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) CreateOrder(ctx context.Context, req ledgerdomain.CreateOrderRequest) (*ledgerdomain.Order, error) {
	projectID := normalizeID(req.ProjectID)
	if projectID == "" {
		return nil, ledgerdomain.ErrInvalidProjectID
	}
	if req.UnitPrice.IsNegative() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	unit := req.Unit
	if unit == "" {
		unit = ledgerdomain.OrderUnitHour
	}
	months, err := unitMonths(unit, req.Period)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderCreate, authorization.Target{}); err != nil {
		return nil, err
	}

	unitPrice := ledgerdomain.Money(req.UnitPrice)
	var created *ledgerdomain.Order
	err = s.retryCAS(ctx, func(tx *gorm.DB) error {
		project, err := s.repo.FindProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if project == nil {
			return ledgerdomain.ErrProjectNotFound
		}

		now := s.now()
		order := &ledgerdomain.Order{
			OrderID:      uuid.NewString(),
			ResourceID:   strings.TrimSpace(req.ResourceID),
			ResourceName: strings.TrimSpace(req.ResourceName),
			Type:         strings.TrimSpace(req.Type),
			Status:       ledgerdomain.OrderStatusRunning,
			UnitPrice:    unitPrice,
			Unit:         unit,
			TotalPrice:   decimal.Zero,
			UserID:       project.UserID,
			ProjectID:    project.ProjectID,
			RegionID:     strings.TrimSpace(req.RegionID),
			DomainID:     project.DomainID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if months == 0 {
			if err := s.repo.InsertOrder(ctx, tx, order); err != nil {
				return err
			}
			created = order
			return nil
		}

		// Prepaid orders pay the first period up front and renew at cron_time.
		end := now.AddDate(0, months, 0)
		total := ledgerdomain.Money(unitPrice.Mul(decimal.NewFromInt(int64(req.Period))))
		order.TotalPrice = total
		order.CronTime = &end
		if req.Renew {
			order.Renew = true
			order.RenewMethod = strings.TrimSpace(req.RenewMethod)
			if order.RenewMethod == "" {
				order.RenewMethod = string(unit)
			}
			order.RenewPeriod = req.Period
		}
		if err := s.repo.InsertOrder(ctx, tx, order); err != nil {
			return err
		}
		if err := s.repo.InsertBill(ctx, tx, &ledgerdomain.Bill{
			BillID:     uuid.NewString(),
			OrderID:    order.OrderID,
			UserID:     order.UserID,
			ProjectID:  order.ProjectID,
			Type:       order.Type,
			Status:     ledgerdomain.BillStatusPayed,
			UnitPrice:  unitPrice,
			Unit:       unit,
			TotalPrice: total,
			StartTime:  now,
			EndTime:    end,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		account, err := s.mutateAccount(ctx, tx, project.UserID, func(next *ledgerdomain.Account) error {
			if next.Balance.LessThan(total) && !next.Unlimited() {
				return ledgerdomain.ErrNotSufficientFund
			}
			next.Balance = next.Balance.Sub(total)
			next.Consumption = next.Consumption.Add(total)
			return nil
		})
		if err != nil {
			return err
		}
		if err := s.addConsumption(ctx, tx, account, project.ProjectID, total); err != nil {
			return err
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordLedgerWrite(ctx, "create_order")
	logger.WithContext(ctx, s.log).Info("ledger.order.created",
		zap.String("order_id", created.OrderID),
		zap.String("project_id", created.ProjectID),
		zap.String("unit", string(created.Unit)),
	)
	return created, nil
}

func unitMonths(unit ledgerdomain.OrderUnit, period int) (int, error) {
	switch unit {
	case ledgerdomain.OrderUnitHour:
		return 0, nil
	case ledgerdomain.OrderUnitMonth:
		if period <= 0 {
			return 0, ledgerdomain.ErrInvalidUnit
		}
		return period, nil
	case ledgerdomain.OrderUnitYear:
		if period <= 0 {
			return 0, ledgerdomain.ErrInvalidUnit
		}
		return period * 12, nil
	default:
		return 0, ledgerdomain.ErrInvalidUnit
	}
}

// GetOrder returns nil, nil when the order does not exist.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*ledgerdomain.Order, error) {
	orderID = normalizeID(orderID)
	if orderID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	target := authorization.Target{}
	if order != nil {
		target = authorization.Target{UserID: order.UserID, DomainID: order.DomainID}
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderView, target); err != nil {
		return nil, err
	}
	return order, nil
}

// CloseOrder deletes the order. Closing an already deleted order is a no-op.
func (s *Service) CloseOrder(ctx context.Context, orderID string) (*ledgerdomain.Order, error) {
	orderID = normalizeID(orderID)
	if orderID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderClose, authorization.Target{}); err != nil {
		return nil, err
	}

	var (
		closed  *ledgerdomain.Order
		changed bool
	)
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		changed = false
		order, err := s.mutateOrder(ctx, tx, orderID, func(next *ledgerdomain.Order) (bool, error) {
			if next.Status == ledgerdomain.OrderStatusDeleted {
				return false, nil
			}
			moved, err := ledgerdomain.Transition(*next, ledgerdomain.OrderStatusDeleted)
			if err != nil {
				return false, err
			}
			*next = moved
			changed = true
			return true, nil
		})
		if err != nil {
			return err
		}
		closed = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.obsMetrics.RecordOrderClosed(ctx, closed.Type)
	}
	logger.WithContext(ctx, s.log).Info("ledger.order.closed",
		zap.String("order_id", orderID),
		zap.Bool("already_closed", !changed),
	)
	return closed, nil
}

func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, to ledgerdomain.OrderStatus) (*ledgerdomain.Order, error) {
	orderID = normalizeID(orderID)
	if orderID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	if !ledgerdomain.ValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ledgerdomain.ErrInvalidOrderTransition, to)
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderUpdate, authorization.Target{}); err != nil {
		return nil, err
	}

	var result *ledgerdomain.Order
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		order, err := s.mutateOrder(ctx, tx, orderID, func(next *ledgerdomain.Order) (bool, error) {
			if next.Status == to {
				return false, nil
			}
			moved, err := ledgerdomain.Transition(*next, to)
			if err != nil {
				return false, err
			}
			*next = moved
			return true, nil
		})
		if err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordLedgerWrite(ctx, "update_order_status")
	return result, nil
}

// FixOrder repairs an order stuck in error: total_price is rebuilt from its bills and
// the order resumes as running when a running bill exists, stopped otherwise.
func (s *Service) FixOrder(ctx context.Context, orderID string) (*ledgerdomain.Order, error) {
	orderID = normalizeID(orderID)
	if orderID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	if err := s.authz.RequireAdmin(ctx); err != nil {
		return nil, err
	}

	var result *ledgerdomain.Order
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		bills, err := s.repo.ListBillsByOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order, err := s.mutateOrder(ctx, tx, orderID, func(next *ledgerdomain.Order) (bool, error) {
			if next.Status != ledgerdomain.OrderStatusError {
				return false, nil
			}
			total := decimal.Zero
			status := ledgerdomain.OrderStatusStopped
			for i := range bills {
				total = total.Add(bills[i].TotalPrice)
				if bills[i].Status == ledgerdomain.BillStatusRunning {
					status = ledgerdomain.OrderStatusRunning
				}
			}
			if len(bills) > 0 {
				end := bills[len(bills)-1].EndTime
				next.CronTime = &end
			}
			next.TotalPrice = total
			next.Status = status
			return true, nil
		})
		if err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordLedgerWrite(ctx, "fix_order")
	logger.WithContext(ctx, s.log).Info("ledger.order.fixed",
		zap.String("order_id", orderID),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (s *Service) SwitchAutoRenew(ctx context.Context, orderID string, renew bool) (*ledgerdomain.Order, error) {
	orderID = normalizeID(orderID)
	if orderID == "" {
		return nil, ledgerdomain.ErrInvalidOrderID
	}
	current, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ledgerdomain.ErrOrderNotFound
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderRenew, authorization.Target{
		UserID:   current.UserID,
		DomainID: current.DomainID,
	}); err != nil {
		return nil, err
	}

	var result *ledgerdomain.Order
	err = s.retryCAS(ctx, func(tx *gorm.DB) error {
		order, err := s.mutateOrder(ctx, tx, orderID, func(next *ledgerdomain.Order) (bool, error) {
			switch {
			case next.Unit == "" || next.Unit == ledgerdomain.OrderUnitHour:
				return false, fmt.Errorf("%w: hourly orders cannot be renewed", ledgerdomain.ErrOrderRenewError)
			case next.Status == ledgerdomain.OrderStatusDeleted:
				return false, fmt.Errorf("%w: deleted orders cannot be renewed", ledgerdomain.ErrOrderRenewError)
			case next.RenewMethod == "" || next.RenewPeriod <= 0:
				return false, fmt.Errorf("%w: auto renew was never activated", ledgerdomain.ErrOrderRenewError)
			}
			if next.Renew == renew {
				return false, nil
			}
			next.Renew = renew
			return true, nil
		})
		if err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetChargedOrders marks the owed orders of a user as handled for the current owed cycle.
func (s *Service) SetChargedOrders(ctx context.Context, userID string) (int, error) {
	userID = normalizeID(userID)
	if userID == "" {
		return 0, ledgerdomain.ErrInvalidUserID
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderUpdate, authorization.Target{UserID: userID}); err != nil {
		return 0, err
	}

	var count int
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		count = 0
		orders, err := s.repo.ListOrders(ctx, tx, ledgerdomain.OrderFilter{
			Statuses: ledgerdomain.ActiveStatuses(),
			UserID:   userID,
			OwedOnly: true,
		})
		if err != nil {
			return err
		}
		for i := range orders {
			prev := orders[i]
			next := prev
			next.Owed = false
			next.DateTime = nil
			next.Charged = true
			if err := s.swapOrder(ctx, tx, &prev, &next); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ResetChargedOrders clears the charged flag; unknown order ids are skipped.
func (s *Service) ResetChargedOrders(ctx context.Context, orderIDs []string) (int, error) {
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderUpdate, authorization.Target{}); err != nil {
		return 0, err
	}

	var count int
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		count = 0
		for _, raw := range orderIDs {
			orderID := normalizeID(raw)
			if orderID == "" {
				continue
			}
			prev, err := s.repo.FindOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if prev == nil || !prev.Charged {
				continue
			}
			next := *prev
			next.Charged = false
			if err := s.swapOrder(ctx, tx, prev, &next); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) ListOrders(ctx context.Context, filter ledgerdomain.OrderFilter) ([]ledgerdomain.Order, error) {
	filter = s.scopeFilter(ctx, filter)
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderView, authorization.Target{UserID: filter.UserID}); err != nil {
		return nil, err
	}
	return s.repo.ListOrders(ctx, s.db, filter)
}

func (s *Service) CountActiveOrders(ctx context.Context, filter ledgerdomain.OrderFilter) (int64, error) {
	filter = s.scopeFilter(ctx, filter)
	filter.Statuses = ledgerdomain.ActiveStatuses()
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderView, authorization.Target{UserID: filter.UserID}); err != nil {
		return 0, err
	}
	return s.repo.CountOrders(ctx, s.db, filter)
}

func (s *Service) CountStoppedOrders(ctx context.Context, filter ledgerdomain.OrderFilter) (int64, error) {
	filter = s.scopeFilter(ctx, filter)
	filter.Statuses = []ledgerdomain.OrderStatus{ledgerdomain.OrderStatusStopped}
	if err := s.authz.Authorize(ctx, authorization.ObjectOrder, authorization.ActionOrderView, authorization.Target{UserID: filter.UserID}); err != nil {
		return 0, err
	}
	return s.repo.CountOrders(ctx, s.db, filter)
}

// scopeFilter pins end-user listings to their own orders.
func (s *Service) scopeFilter(ctx context.Context, filter ledgerdomain.OrderFilter) ledgerdomain.OrderFilter {
	actor, ok := requestcontext.ActorFromContext(ctx)
	if ok && actor.Type == requestcontext.ActorUser && filter.UserID == "" {
		filter.UserID = actor.UserID
	}
	filter.UserID = normalizeID(filter.UserID)
	filter.ProjectID = normalizeID(filter.ProjectID)
	return filter
}
