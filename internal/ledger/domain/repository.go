package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository persists ledger rows. Every method takes the handle to run on so callers
// control transaction boundaries. Find methods return nil, nil when the row is missing.
// CompareAndSwap methods report false when the row no longer matches prev.
type Repository interface {
	FindAccount(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	InsertAccount(ctx context.Context, db *gorm.DB, account *Account) error
	CompareAndSwapAccount(ctx context.Context, db *gorm.DB, prev, next *Account) (bool, error)

	FindProject(ctx context.Context, db *gorm.DB, projectID string) (*Project, error)
	InsertProject(ctx context.Context, db *gorm.DB, project *Project) error
	CompareAndSwapProjectOwner(ctx context.Context, db *gorm.DB, project *Project, newUserID string, at time.Time) (bool, error)
	AddProjectConsumption(ctx context.Context, db *gorm.DB, projectID string, amount decimal.Decimal) (bool, error)

	FindUserProject(ctx context.Context, db *gorm.DB, userID, projectID string) (*UserProject, error)
	InsertUserProject(ctx context.Context, db *gorm.DB, relation *UserProject) error
	AddUserProjectConsumption(ctx context.Context, db *gorm.DB, userID, projectID string, amount decimal.Decimal) (bool, error)
	ListUserProjects(ctx context.Context, db *gorm.DB, userID string) ([]UserProject, error)

	FindOrder(ctx context.Context, db *gorm.DB, orderID string) (*Order, error)
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error
	CompareAndSwapOrder(ctx context.Context, db *gorm.DB, prev, next *Order) (bool, error)
	ListOrders(ctx context.Context, db *gorm.DB, filter OrderFilter) ([]Order, error)
	CountOrders(ctx context.Context, db *gorm.DB, filter OrderFilter) (int64, error)

	InsertCharge(ctx context.Context, db *gorm.DB, charge *Charge) error
	ListCharges(ctx context.Context, db *gorm.DB, userID string, limit int) ([]Charge, error)

	InsertBill(ctx context.Context, db *gorm.DB, bill *Bill) error
	ListBillsByOrder(ctx context.Context, db *gorm.DB, orderID string) ([]Bill, error)

	InsertConsumptionWindow(ctx context.Context, db *gorm.DB, window *ConsumptionWindow) error
}
