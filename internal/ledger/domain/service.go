package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type CreateAccountRequest struct {
	UserID   string
	DomainID string
	Balance  decimal.Decimal
	Level    int
}

type CreateProjectRequest struct {
	ProjectID string
	UserID    string
	DomainID  string
}

// DebitAccountRequest charges consumption to a payer. ProjectID attributes the
// consumption; WindowStart makes the debit idempotent per reconciliation window.
type DebitAccountRequest struct {
	UserID      string
	ProjectID   string
	Amount      decimal.Decimal
	WindowStart *time.Time
}

type ChargeAccountRequest struct {
	UserID        string
	Value         decimal.Decimal
	Type          ChargeType
	ComeFrom      string
	TradingNumber string
	Remarks       string
	Metadata      json.RawMessage
}

type TransferMoneyRequest struct {
	FromUserID string
	ToUserID   string
	Amount     decimal.Decimal
	Remarks    string
}

// CreateOrderRequest opens an order billed to the current payer of ProjectID.
type CreateOrderRequest struct {
	ResourceID   string
	ResourceName string
	Type         string
	UnitPrice    decimal.Decimal
	Unit         OrderUnit
	Period       int
	Renew        bool
	RenewMethod  string
	ProjectID    string
	RegionID     string
}

// OrderFilter narrows order listings. Zero values do not filter.
type OrderFilter struct {
	Statuses  []OrderStatus
	Type      string
	RegionID  string
	ProjectID string
	UserID    string
	OwedOnly  bool
	Limit     int
	Offset    int
}

type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	DebitAccount(ctx context.Context, req DebitAccountRequest) (*Account, error)
	ChargeAccount(ctx context.Context, req ChargeAccountRequest) (*Charge, error)
	ListCharges(ctx context.Context, userID string, limit int) ([]Charge, error)
	ChangeAccountLevel(ctx context.Context, userID string, level int) (*Account, error)
	TransferMoney(ctx context.Context, req TransferMoneyRequest) error
	FreezeBalance(ctx context.Context, userID string, amount decimal.Decimal) (*Account, error)
	UnfreezeBalance(ctx context.Context, userID string, amount decimal.Decimal) (*Account, error)

	CreateProject(ctx context.Context, req CreateProjectRequest) (*Project, error)
	GetProject(ctx context.Context, projectID string) (*Project, error)
	GetUserProjects(ctx context.Context, userID string) ([]UserProject, error)
	ChangeBillingOwner(ctx context.Context, projectID, newUserID string) error

	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CloseOrder(ctx context.Context, orderID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, to OrderStatus) (*Order, error)
	FixOrder(ctx context.Context, orderID string) (*Order, error)
	SwitchAutoRenew(ctx context.Context, orderID string, renew bool) (*Order, error)
	SetChargedOrders(ctx context.Context, userID string) (int, error)
	ResetChargedOrders(ctx context.Context, orderIDs []string) (int, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	CountActiveOrders(ctx context.Context, filter OrderFilter) (int64, error)
	CountStoppedOrders(ctx context.Context, filter OrderFilter) (int64, error)
}
