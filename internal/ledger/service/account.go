package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/shadowfiend/internal/authorization"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"github.com/smallbiznis/shadowfiend/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (s *Service) CreateAccount(ctx context.Context, req ledgerdomain.CreateAccountRequest) (*ledgerdomain.Account, error) {
	userID := normalizeID(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if req.Level < 0 || req.Level > ledgerdomain.UnlimitedLevel {
		return nil, ledgerdomain.ErrInvalidLevel
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectAccount, authorization.ActionAccountCreate, authorization.Target{
		UserID:   userID,
		DomainID: req.DomainID,
	}); err != nil {
		return nil, err
	}

	now := s.now()
	account := &ledgerdomain.Account{
		UserID:        userID,
		DomainID:      strings.TrimSpace(req.DomainID),
		Balance:       ledgerdomain.Money(req.Balance),
		FrozenBalance: decimal.Zero,
		Consumption:   decimal.Zero,
		Level:         req.Level,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	settleOwed(account, false, now)

	if err := s.repo.InsertAccount(ctx, s.db, account); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ledgerdomain.ErrAccountAlreadyExists
		}
		return nil, err
	}
	s.obsMetrics.RecordLedgerWrite(ctx, "create_account")
	return account, nil
}

// GetAccount returns nil, nil when the account does not exist.
func (s *Service) GetAccount(ctx context.Context, userID string) (*ledgerdomain.Account, error) {
	userID = normalizeID(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectAccount, authorization.ActionAccountView, authorization.Target{UserID: userID}); err != nil {
		return nil, err
	}
	return s.repo.FindAccount(ctx, s.db, userID)
}

func (s *Service) DebitAccount(ctx context.Context, req ledgerdomain.DebitAccountRequest) (*ledgerdomain.Account, error) {
	userID := normalizeID(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if req.Amount.IsNegative() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	projectID := normalizeID(req.ProjectID)
	if req.WindowStart != nil && projectID == "" {
		return nil, ledgerdomain.ErrInvalidProjectID
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectAccount, authorization.ActionAccountDebit, authorization.Target{UserID: userID}); err != nil {
		return nil, err
	}

	amount := ledgerdomain.Money(req.Amount)
	var result *ledgerdomain.Account
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		now := s.now()
		if req.WindowStart != nil {
			window := &ledgerdomain.ConsumptionWindow{
				ProjectID:   projectID,
				WindowStart: req.WindowStart.UTC(),
				UserID:      userID,
				Amount:      amount,
				CreatedAt:   now,
			}
			if err := s.repo.InsertConsumptionWindow(ctx, tx, window); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return ledgerdomain.ErrWindowAlreadyDebited
				}
				return err
			}
		}

		account, err := s.mutateAccount(ctx, tx, userID, func(next *ledgerdomain.Account) error {
			next.Consumption = next.Consumption.Add(amount)
			next.Balance = next.Balance.Sub(amount)
			return nil
		})
		if err != nil {
			return err
		}

		if projectID != "" {
			if err := s.addConsumption(ctx, tx, account, projectID, amount); err != nil {
				return err
			}
		}
		result = account
		return nil
	})
	if err != nil {
		if !errors.Is(err, ledgerdomain.ErrWindowAlreadyDebited) {
			logger.WithContext(ctx, s.log).Error("ledger.debit.failed",
				zap.String("user_id", userID),
				zap.String("project_id", projectID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.obsMetrics.RecordDebit(ctx, amount)
	logger.WithContext(ctx, s.log).Debug("ledger.debit.applied",
		zap.String("user_id", userID),
		zap.String("project_id", projectID),
		zap.String("amount", amount.StringFixed(ledgerdomain.MoneyScale)),
		zap.String("balance", result.Balance.StringFixed(ledgerdomain.MoneyScale)),
		zap.Bool("owed", result.Owed),
	)
	return result, nil
}

// addConsumption attributes amount to the project and to the payer's user-project relation.
func (s *Service) addConsumption(ctx context.Context, tx *gorm.DB, account *ledgerdomain.Account, projectID string, amount decimal.Decimal) error {
	ok, err := s.repo.AddProjectConsumption(ctx, tx, projectID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ledgerdomain.ErrProjectNotFound
	}

	ok, err = s.repo.AddUserProjectConsumption(ctx, tx, account.UserID, projectID, amount)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	now := s.now()
	return s.repo.InsertUserProject(ctx, tx, &ledgerdomain.UserProject{
		UserID:      account.UserID,
		ProjectID:   projectID,
		DomainID:    account.DomainID,
		Consumption: amount,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (s *Service) ChargeAccount(ctx context.Context, req ledgerdomain.ChargeAccountRequest) (*ledgerdomain.Charge, error) {
	userID := normalizeID(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if req.Value.IsZero() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	chargeType := req.Type
	if chargeType == "" {
		chargeType = ledgerdomain.ChargeTypeRecharge
	}
	switch chargeType {
	case ledgerdomain.ChargeTypeRecharge, ledgerdomain.ChargeTypeBonus, ledgerdomain.ChargeTypeDeduct:
	default:
		return nil, ledgerdomain.ErrInvalidChargeType
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectAccount, authorization.ActionAccountCharge, authorization.Target{UserID: userID}); err != nil {
		return nil, err
	}

	actor, _ := requestcontext.ActorFromContext(ctx)
	value := ledgerdomain.Money(req.Value)

	var charge *ledgerdomain.Charge
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		account, err := s.mutateAccount(ctx, tx, userID, func(next *ledgerdomain.Account) error {
			next.Balance = next.Balance.Add(value)
			return nil
		})
		if err != nil {
			return err
		}

		now := s.now()
		record := &ledgerdomain.Charge{
			ChargeID:      uuid.NewString(),
			UserID:        account.UserID,
			DomainID:      account.DomainID,
			Value:         value,
			Type:          chargeType,
			ComeFrom:      strings.TrimSpace(req.ComeFrom),
			TradingNumber: strings.TrimSpace(req.TradingNumber),
			Operator:      actor.Operator(),
			Remarks:       strings.TrimSpace(req.Remarks),
			Metadata:      chargeMetadata(req.Metadata),
			ChargeTime:    now,
			CreatedAt:     now,
		}
		if err := s.repo.InsertCharge(ctx, tx, record); err != nil {
			return err
		}
		charge = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordCharge(ctx, string(chargeType), value)
	logger.WithContext(ctx, s.log).Info("ledger.charge.applied",
		zap.String("user_id", userID),
		zap.String("charge_id", charge.ChargeID),
		zap.String("type", string(chargeType)),
	)
	return charge, nil
}

func chargeMetadata(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}

func (s *Service) ListCharges(ctx context.Context, userID string, limit int) ([]ledgerdomain.Charge, error) {
	userID = normalizeID(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectCharge, authorization.ActionChargeView, authorization.Target{UserID: userID}); err != nil {
		return nil, err
	}
	return s.repo.ListCharges(ctx, s.db, userID, limit)
}

func (s *Service) ChangeAccountLevel(ctx context.Context, userID string, level int) (*ledgerdomain.Account, error) {
	userID = normalizeID(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if level < 0 || level > ledgerdomain.UnlimitedLevel {
		return nil, ledgerdomain.ErrInvalidLevel
	}
	if err := s.authz.RequireAdmin(ctx); err != nil {
		return nil, err
	}

	var result *ledgerdomain.Account
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		account, err := s.mutateAccount(ctx, tx, userID, func(next *ledgerdomain.Account) error {
			next.Level = level
			return nil
		})
		if err != nil {
			return err
		}
		result = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordLedgerWrite(ctx, "change_account_level")
	return result, nil
}

func (s *Service) TransferMoney(ctx context.Context, req ledgerdomain.TransferMoneyRequest) error {
	fromID := normalizeID(req.FromUserID)
	toID := normalizeID(req.ToUserID)
	if fromID == "" || toID == "" || fromID == toID {
		return ledgerdomain.ErrInvalidUserID
	}
	if !req.Amount.IsPositive() {
		return ledgerdomain.ErrInvalidTransferMoneyValue
	}
	if err := s.authz.RequireAdmin(ctx); err != nil {
		return err
	}

	actor, _ := requestcontext.ActorFromContext(ctx)
	amount := ledgerdomain.Money(req.Amount)
	remarks := strings.TrimSpace(req.Remarks)

	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		from, err := s.repo.FindAccount(ctx, tx, fromID)
		if err != nil {
			return err
		}
		to, err := s.repo.FindAccount(ctx, tx, toID)
		if err != nil {
			return err
		}
		if from == nil || to == nil {
			return ledgerdomain.ErrAccountNotFound
		}
		if from.DomainID != to.DomainID {
			return ledgerdomain.ErrTransferDomainMismatch
		}
		if actor.DomainID != "" && actor.DomainID != from.DomainID {
			return authorization.ErrForbidden
		}
		if !from.Balance.IsPositive() {
			return ledgerdomain.ErrNoBalanceToTransfer
		}
		if from.Balance.LessThan(amount) {
			return ledgerdomain.ErrInvalidTransferMoneyValue
		}

		if _, err := s.mutateAccount(ctx, tx, fromID, func(next *ledgerdomain.Account) error {
			next.Balance = next.Balance.Sub(amount)
			return nil
		}); err != nil {
			return err
		}
		if _, err := s.mutateAccount(ctx, tx, toID, func(next *ledgerdomain.Account) error {
			next.Balance = next.Balance.Add(amount)
			return nil
		}); err != nil {
			return err
		}

		now := s.now()
		for _, leg := range []struct {
			account *ledgerdomain.Account
			value   decimal.Decimal
		}{
			{account: to, value: amount},
			{account: from, value: amount.Neg()},
		} {
			if err := s.repo.InsertCharge(ctx, tx, &ledgerdomain.Charge{
				ChargeID:   uuid.NewString(),
				UserID:     leg.account.UserID,
				DomainID:   leg.account.DomainID,
				Value:      leg.value,
				Type:       ledgerdomain.ChargeTypeTransfer,
				ComeFrom:   string(ledgerdomain.ChargeTypeTransfer),
				Operator:   actor.Operator(),
				Remarks:    remarks,
				Metadata:   chargeMetadata(nil),
				ChargeTime: now,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.obsMetrics.RecordLedgerWrite(ctx, "transfer_money")
	logger.WithContext(ctx, s.log).Info("ledger.transfer.applied",
		zap.String("from_user_id", fromID),
		zap.String("to_user_id", toID),
		zap.String("amount", amount.StringFixed(ledgerdomain.MoneyScale)),
	)
	return nil
}

func (s *Service) FreezeBalance(ctx context.Context, userID string, amount decimal.Decimal) (*ledgerdomain.Account, error) {
	return s.moveFrozen(ctx, userID, amount, true)
}

func (s *Service) UnfreezeBalance(ctx context.Context, userID string, amount decimal.Decimal) (*ledgerdomain.Account, error) {
	return s.moveFrozen(ctx, userID, amount, false)
}

func (s *Service) moveFrozen(ctx context.Context, userID string, amount decimal.Decimal, freeze bool) (*ledgerdomain.Account, error) {
	userID = normalizeID(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if !amount.IsPositive() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectAccount, authorization.ActionAccountFreeze, authorization.Target{UserID: userID}); err != nil {
		return nil, err
	}

	amount = ledgerdomain.Money(amount)
	var result *ledgerdomain.Account
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		account, err := s.mutateAccount(ctx, tx, userID, func(next *ledgerdomain.Account) error {
			if freeze {
				if next.Balance.LessThan(amount) && !next.Unlimited() {
					return ledgerdomain.ErrNotSufficientFund
				}
				next.Balance = next.Balance.Sub(amount)
				next.FrozenBalance = next.FrozenBalance.Add(amount)
				return nil
			}
			if next.FrozenBalance.LessThan(amount) {
				return ledgerdomain.ErrNotSufficientFrozenBalance
			}
			next.Balance = next.Balance.Add(amount)
			next.FrozenBalance = next.FrozenBalance.Sub(amount)
			return nil
		})
		if err != nil {
			return err
		}
		result = account
		return nil
	})
	if err != nil {
		return nil, err
	}

	operation := "unfreeze_balance"
	if freeze {
		operation = "freeze_balance"
	}
	s.obsMetrics.RecordLedgerWrite(ctx, operation)
	return result, nil
}
