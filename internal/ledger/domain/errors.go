package domain

import "errors"

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrProjectNotFound     = errors.New("project_not_found")
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrUserProjectNotFound = errors.New("user_project_not_found")

	ErrAccountUpdateFailed     = errors.New("account_update_failed")
	ErrOrderUpdateFailed       = errors.New("order_update_failed")
	ErrProjectUpdateFailed     = errors.New("project_update_failed")
	ErrUserProjectUpdateFailed = errors.New("user_project_update_failed")
	ErrConsumptionUpdateFailed = errors.New("consumption_update_failed")

	ErrNotSufficientFund          = errors.New("not_sufficient_fund")
	ErrNotSufficientFrozenBalance = errors.New("not_sufficient_frozen_balance")
	ErrNoBalanceToTransfer        = errors.New("no_balance_to_transfer")
	ErrInvalidTransferMoneyValue  = errors.New("invalid_transfer_money_value")
	ErrTransferDomainMismatch     = errors.New("transfer_domain_mismatch")
	ErrOrderRenewError            = errors.New("order_renew_error")
	ErrInvalidOrderTransition     = errors.New("invalid_order_transition")
	ErrWindowAlreadyDebited       = errors.New("window_already_debited")
	ErrAccountAlreadyExists       = errors.New("account_already_exists")
	ErrProjectAlreadyExists       = errors.New("project_already_exists")

	ErrInvalidUserID     = errors.New("invalid_user_id")
	ErrInvalidProjectID  = errors.New("invalid_project_id")
	ErrInvalidOrderID    = errors.New("invalid_order_id")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidLevel      = errors.New("invalid_level")
	ErrInvalidUnit       = errors.New("invalid_unit")
	ErrInvalidChargeType = errors.New("invalid_charge_type")
)
