package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MoneyScale is the number of fractional digits persisted for every amount.
const MoneyScale = 4

// UnlimitedLevel marks accounts that may stay owed forever.
const UnlimitedLevel = 9

type OrderStatus string

const (
	OrderStatusRunning         OrderStatus = "running"
	OrderStatusStopped         OrderStatus = "stopped"
	OrderStatusStoppedIn30Days OrderStatus = "stopped_in_30_days"
	OrderStatusDeleted         OrderStatus = "deleted"
	OrderStatusSuspend         OrderStatus = "suspend"
	OrderStatusChanging        OrderStatus = "changing"
	OrderStatusError           OrderStatus = "error"
)

type OrderUnit string

const (
	OrderUnitHour  OrderUnit = "hour"
	OrderUnitMonth OrderUnit = "month"
	OrderUnitYear  OrderUnit = "year"
)

type ChargeType string

const (
	ChargeTypeRecharge ChargeType = "recharge"
	ChargeTypeBonus    ChargeType = "bonus"
	ChargeTypeTransfer ChargeType = "transfer"
	ChargeTypeDeduct   ChargeType = "deduct"
)

type BillStatus string

const (
	BillStatusPayed   BillStatus = "payed"
	BillStatusOwed    BillStatus = "owed"
	BillStatusRunning BillStatus = "running"
)

// Account is the balance holder of a user. Owed mirrors Balance < 0.
type Account struct {
	UserID        string          `gorm:"column:user_id;primaryKey"`
	DomainID      string          `gorm:"column:domain_id"`
	Balance       decimal.Decimal `gorm:"column:balance;type:decimal(20,4)"`
	FrozenBalance decimal.Decimal `gorm:"column:frozen_balance;type:decimal(20,4)"`
	Consumption   decimal.Decimal `gorm:"column:consumption;type:decimal(20,4)"`
	Level         int             `gorm:"column:level"`
	Owed          bool            `gorm:"column:owed"`
	OwedAt        *time.Time      `gorm:"column:owed_at"`
	Deleted       bool            `gorm:"column:deleted"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
	DeletedAt     *time.Time      `gorm:"column:deleted_at"`
}

func (Account) TableName() string { return "accounts" }

// Unlimited reports whether the account is exempt from owed enforcement.
func (a Account) Unlimited() bool { return a.Level == UnlimitedLevel }

// Project is a billable tenant; UserID is the authoritative payer.
type Project struct {
	ProjectID   string          `gorm:"column:project_id;primaryKey"`
	UserID      string          `gorm:"column:user_id"`
	DomainID    string          `gorm:"column:domain_id"`
	Consumption decimal.Decimal `gorm:"column:consumption;type:decimal(20,4)"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

func (Project) TableName() string { return "projects" }

// UserProject records how much a user paid for a project while being its owner.
type UserProject struct {
	UserID      string          `gorm:"column:user_id;primaryKey"`
	ProjectID   string          `gorm:"column:project_id;primaryKey"`
	DomainID    string          `gorm:"column:domain_id"`
	Consumption decimal.Decimal `gorm:"column:consumption;type:decimal(20,4)"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

func (UserProject) TableName() string { return "user_project" }

type Order struct {
	OrderID      string          `gorm:"column:order_id;primaryKey"`
	ResourceID   string          `gorm:"column:resource_id"`
	ResourceName string          `gorm:"column:resource_name"`
	Type         string          `gorm:"column:type"`
	Status       OrderStatus     `gorm:"column:status"`
	UnitPrice    decimal.Decimal `gorm:"column:unit_price;type:decimal(20,4)"`
	Unit         OrderUnit       `gorm:"column:unit"`
	TotalPrice   decimal.Decimal `gorm:"column:total_price;type:decimal(20,4)"`
	CronTime     *time.Time      `gorm:"column:cron_time"`
	DateTime     *time.Time      `gorm:"column:date_time"`
	Owed         bool            `gorm:"column:owed"`
	Charged      bool            `gorm:"column:charged"`
	Renew        bool            `gorm:"column:renew"`
	RenewMethod  string          `gorm:"column:renew_method"`
	RenewPeriod  int             `gorm:"column:renew_period"`
	UserID       string          `gorm:"column:user_id"`
	ProjectID    string          `gorm:"column:project_id"`
	RegionID     string          `gorm:"column:region_id"`
	DomainID     string          `gorm:"column:domain_id"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

func (Order) TableName() string { return "orders" }

// Active reports whether the order still accrues charges.
func (o Order) Active() bool { return o.Status != OrderStatusDeleted }

// Charge is an append-only audit record of a balance change.
type Charge struct {
	ChargeID      string          `gorm:"column:charge_id;primaryKey"`
	UserID        string          `gorm:"column:user_id"`
	DomainID      string          `gorm:"column:domain_id"`
	Value         decimal.Decimal `gorm:"column:value;type:decimal(20,4)"`
	Type          ChargeType      `gorm:"column:type"`
	ComeFrom      string          `gorm:"column:come_from"`
	TradingNumber string          `gorm:"column:trading_number"`
	Operator      *string         `gorm:"column:operator"`
	Remarks       string          `gorm:"column:remarks"`
	Metadata      datatypes.JSON  `gorm:"column:metadata"`
	ChargeTime    time.Time       `gorm:"column:charge_time"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
}

func (Charge) TableName() string { return "charges" }

// Bill is a prepaid or settled billing period of an order.
type Bill struct {
	BillID     string          `gorm:"column:bill_id;primaryKey"`
	OrderID    string          `gorm:"column:order_id"`
	UserID     string          `gorm:"column:user_id"`
	ProjectID  string          `gorm:"column:project_id"`
	Type       string          `gorm:"column:type"`
	Status     BillStatus      `gorm:"column:status"`
	UnitPrice  decimal.Decimal `gorm:"column:unit_price;type:decimal(20,4)"`
	Unit       OrderUnit       `gorm:"column:unit"`
	TotalPrice decimal.Decimal `gorm:"column:total_price;type:decimal(20,4)"`
	StartTime  time.Time       `gorm:"column:start_time"`
	EndTime    time.Time       `gorm:"column:end_time"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
}

func (Bill) TableName() string { return "bills" }

// ConsumptionWindow marks a reconciliation window that has been debited.
type ConsumptionWindow struct {
	ProjectID   string          `gorm:"column:project_id;primaryKey"`
	WindowStart time.Time       `gorm:"column:window_start;primaryKey"`
	UserID      string          `gorm:"column:user_id"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(20,4)"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
}

func (ConsumptionWindow) TableName() string { return "consumption_windows" }

// Money rounds an amount to the persisted scale.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}
