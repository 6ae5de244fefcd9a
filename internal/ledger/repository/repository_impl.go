package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const accountColumns = `user_id, domain_id, balance, frozen_balance, consumption, level, owed, owed_at,
	deleted, created_at, updated_at, deleted_at`

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, userID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+`
		 FROM accounts
		 WHERE user_id = ? AND deleted = ?`,
		userID,
		false,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.UserID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.UserID,
		account.DomainID,
		account.Balance,
		account.FrozenBalance,
		account.Consumption,
		account.Level,
		account.Owed,
		account.OwedAt,
		account.Deleted,
		account.CreatedAt,
		account.UpdatedAt,
		account.DeletedAt,
	).Error
}

// CompareAndSwapAccount writes next only if the row still holds every mutable value of prev.
func (r *repo) CompareAndSwapAccount(ctx context.Context, db *gorm.DB, prev, next *domain.Account) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET balance = ?, frozen_balance = ?, consumption = ?, level = ?, owed = ?, owed_at = ?, updated_at = ?
		 WHERE user_id = ?
		   AND balance = ?
		   AND frozen_balance = ?
		   AND consumption = ?
		   AND level = ?
		   AND owed = ?`,
		next.Balance,
		next.FrozenBalance,
		next.Consumption,
		next.Level,
		next.Owed,
		next.OwedAt,
		next.UpdatedAt,
		prev.UserID,
		prev.Balance,
		prev.FrozenBalance,
		prev.Consumption,
		prev.Level,
		prev.Owed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindProject(ctx context.Context, db *gorm.DB, projectID string) (*domain.Project, error) {
	var project domain.Project
	err := db.WithContext(ctx).Raw(
		`SELECT project_id, user_id, domain_id, consumption, created_at, updated_at
		 FROM projects
		 WHERE project_id = ?`,
		projectID,
	).Scan(&project).Error
	if err != nil {
		return nil, err
	}
	if project.ProjectID == "" {
		return nil, nil
	}
	return &project, nil
}

func (r *repo) InsertProject(ctx context.Context, db *gorm.DB, project *domain.Project) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO projects (project_id, user_id, domain_id, consumption, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		project.ProjectID,
		project.UserID,
		project.DomainID,
		project.Consumption,
		project.CreatedAt,
		project.UpdatedAt,
	).Error
}

func (r *repo) CompareAndSwapProjectOwner(ctx context.Context, db *gorm.DB, project *domain.Project, newUserID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE projects
		 SET user_id = ?, updated_at = ?
		 WHERE project_id = ? AND user_id = ?`,
		newUserID,
		at,
		project.ProjectID,
		project.UserID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AddProjectConsumption increments in SQL; the addition commutes so no prior value is needed.
func (r *repo) AddProjectConsumption(ctx context.Context, db *gorm.DB, projectID string, amount decimal.Decimal) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE projects
		 SET consumption = consumption + ?
		 WHERE project_id = ?`,
		amount,
		projectID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindUserProject(ctx context.Context, db *gorm.DB, userID, projectID string) (*domain.UserProject, error) {
	var relation domain.UserProject
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, project_id, domain_id, consumption, created_at, updated_at
		 FROM user_project
		 WHERE user_id = ? AND project_id = ?`,
		userID,
		projectID,
	).Scan(&relation).Error
	if err != nil {
		return nil, err
	}
	if relation.UserID == "" {
		return nil, nil
	}
	return &relation, nil
}

func (r *repo) InsertUserProject(ctx context.Context, db *gorm.DB, relation *domain.UserProject) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO user_project (user_id, project_id, domain_id, consumption, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		relation.UserID,
		relation.ProjectID,
		relation.DomainID,
		relation.Consumption,
		relation.CreatedAt,
		relation.UpdatedAt,
	).Error
}

func (r *repo) AddUserProjectConsumption(ctx context.Context, db *gorm.DB, userID, projectID string, amount decimal.Decimal) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_project
		 SET consumption = consumption + ?
		 WHERE user_id = ? AND project_id = ?`,
		amount,
		userID,
		projectID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListUserProjects(ctx context.Context, db *gorm.DB, userID string) ([]domain.UserProject, error) {
	var relations []domain.UserProject
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, project_id, domain_id, consumption, created_at, updated_at
		 FROM user_project
		 WHERE user_id = ?
		 ORDER BY created_at ASC, project_id ASC`,
		userID,
	).Scan(&relations).Error
	if err != nil {
		return nil, err
	}
	return relations, nil
}

const orderColumns = `order_id, resource_id, resource_name, type, status, unit_price, unit, total_price,
	cron_time, date_time, owed, charged, renew, renew_method, renew_period,
	user_id, project_id, region_id, domain_id, created_at, updated_at`

func (r *repo) FindOrder(ctx context.Context, db *gorm.DB, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE order_id = ?`,
		orderID,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.OrderID == "" {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID,
		order.ResourceID,
		order.ResourceName,
		order.Type,
		order.Status,
		order.UnitPrice,
		order.Unit,
		order.TotalPrice,
		utcTime(order.CronTime),
		utcTime(order.DateTime),
		order.Owed,
		order.Charged,
		order.Renew,
		order.RenewMethod,
		order.RenewPeriod,
		order.UserID,
		order.ProjectID,
		order.RegionID,
		order.DomainID,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) CompareAndSwapOrder(ctx context.Context, db *gorm.DB, prev, next *domain.Order) (bool, error) {
	query := `UPDATE orders
		 SET status = ?, unit_price = ?, total_price = ?, cron_time = ?, date_time = ?, owed = ?, charged = ?,
		     renew = ?, renew_method = ?, renew_period = ?, user_id = ?, updated_at = ?
		 WHERE order_id = ?
		   AND status = ?
		   AND user_id = ?
		   AND unit_price = ?
		   AND total_price = ?
		   AND owed = ?
		   AND charged = ?
		   AND renew = ?
		   AND renew_method = ?
		   AND renew_period = ?`
	args := []any{
		next.Status,
		next.UnitPrice,
		next.TotalPrice,
		utcTime(next.CronTime),
		utcTime(next.DateTime),
		next.Owed,
		next.Charged,
		next.Renew,
		next.RenewMethod,
		next.RenewPeriod,
		next.UserID,
		next.UpdatedAt,
		prev.OrderID,
		prev.Status,
		prev.UserID,
		prev.UnitPrice,
		prev.TotalPrice,
		prev.Owed,
		prev.Charged,
		prev.Renew,
		prev.RenewMethod,
		prev.RenewPeriod,
	}
	query, args = guardNullableTime(query, args, "cron_time", prev.CronTime)
	query, args = guardNullableTime(query, args, "date_time", prev.DateTime)

	res := db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// guardNullableTime appends a compare clause that also matches NULL, which a
// plain equality never does.
func guardNullableTime(query string, args []any, column string, prev *time.Time) (string, []any) {
	if prev == nil {
		return query + "\n\t\t   AND " + column + " IS NULL", args
	}
	return query + "\n\t\t   AND " + column + " = ?", append(args, prev.UTC())
}

func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r *repo) ListOrders(ctx context.Context, db *gorm.DB, filter domain.OrderFilter) ([]domain.Order, error) {
	var orders []domain.Order
	stmt := applyOrderFilter(db.WithContext(ctx).Model(&domain.Order{}), filter)
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		stmt = stmt.Offset(filter.Offset)
	}
	err := stmt.
		Order("created_at asc, order_id asc").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) CountOrders(ctx context.Context, db *gorm.DB, filter domain.OrderFilter) (int64, error) {
	var count int64
	err := applyOrderFilter(db.WithContext(ctx).Model(&domain.Order{}), filter).Count(&count).Error
	return count, err
}

func applyOrderFilter(stmt *gorm.DB, filter domain.OrderFilter) *gorm.DB {
	if len(filter.Statuses) > 0 {
		stmt = stmt.Where("status IN ?", filter.Statuses)
	}
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", filter.Type)
	}
	if filter.RegionID != "" {
		stmt = stmt.Where("region_id = ?", filter.RegionID)
	}
	if filter.ProjectID != "" {
		stmt = stmt.Where("project_id = ?", filter.ProjectID)
	}
	if filter.UserID != "" {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	if filter.OwedOnly {
		stmt = stmt.Where("owed = ?", true)
	}
	return stmt
}

func (r *repo) InsertCharge(ctx context.Context, db *gorm.DB, charge *domain.Charge) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO charges (charge_id, user_id, domain_id, value, type, come_from, trading_number,
		   operator, remarks, metadata, charge_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		charge.ChargeID,
		charge.UserID,
		charge.DomainID,
		charge.Value,
		charge.Type,
		charge.ComeFrom,
		charge.TradingNumber,
		charge.Operator,
		charge.Remarks,
		charge.Metadata,
		charge.ChargeTime,
		charge.CreatedAt,
	).Error
}

func (r *repo) ListCharges(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.Charge, error) {
	if limit <= 0 {
		limit = 100
	}
	var charges []domain.Charge
	err := db.WithContext(ctx).Raw(
		`SELECT charge_id, user_id, domain_id, value, type, come_from, trading_number,
		   operator, remarks, metadata, charge_time, created_at
		 FROM charges
		 WHERE user_id = ?
		 ORDER BY charge_time DESC, charge_id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&charges).Error
	if err != nil {
		return nil, err
	}
	return charges, nil
}

func (r *repo) InsertBill(ctx context.Context, db *gorm.DB, bill *domain.Bill) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bills (bill_id, order_id, user_id, project_id, type, status, unit_price, unit,
		   total_price, start_time, end_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bill.BillID,
		bill.OrderID,
		bill.UserID,
		bill.ProjectID,
		bill.Type,
		bill.Status,
		bill.UnitPrice,
		bill.Unit,
		bill.TotalPrice,
		bill.StartTime,
		bill.EndTime,
		bill.CreatedAt,
	).Error
}

func (r *repo) ListBillsByOrder(ctx context.Context, db *gorm.DB, orderID string) ([]domain.Bill, error) {
	var bills []domain.Bill
	err := db.WithContext(ctx).Raw(
		`SELECT bill_id, order_id, user_id, project_id, type, status, unit_price, unit,
		   total_price, start_time, end_time, created_at
		 FROM bills
		 WHERE order_id = ?
		 ORDER BY start_time ASC, bill_id ASC`,
		orderID,
	).Scan(&bills).Error
	if err != nil {
		return nil, err
	}
	return bills, nil
}

func (r *repo) InsertConsumptionWindow(ctx context.Context, db *gorm.DB, window *domain.ConsumptionWindow) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO consumption_windows (project_id, window_start, user_id, amount, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		window.ProjectID,
		window.WindowStart,
		window.UserID,
		window.Amount,
		window.CreatedAt,
	).Error
}
