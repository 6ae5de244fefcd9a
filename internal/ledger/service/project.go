package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/shadowfiend/internal/authorization"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	"github.com/smallbiznis/shadowfiend/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) CreateProject(ctx context.Context, req ledgerdomain.CreateProjectRequest) (*ledgerdomain.Project, error) {
	projectID := normalizeID(req.ProjectID)
	if projectID == "" {
		return nil, ledgerdomain.ErrInvalidProjectID
	}
	userID := normalizeID(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectProject, authorization.ActionProjectCreate, authorization.Target{
		UserID:   userID,
		DomainID: req.DomainID,
	}); err != nil {
		return nil, err
	}

	now := s.now()
	project := &ledgerdomain.Project{
		ProjectID:   projectID,
		UserID:      userID,
		DomainID:    strings.TrimSpace(req.DomainID),
		Consumption: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertProject(ctx, tx, project); err != nil {
			return err
		}
		return s.repo.InsertUserProject(ctx, tx, &ledgerdomain.UserProject{
			UserID:      userID,
			ProjectID:   projectID,
			DomainID:    project.DomainID,
			Consumption: decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ledgerdomain.ErrProjectAlreadyExists
		}
		return nil, err
	}
	s.obsMetrics.RecordLedgerWrite(ctx, "create_project")
	return project, nil
}

// GetProject returns nil, nil when the project does not exist.
func (s *Service) GetProject(ctx context.Context, projectID string) (*ledgerdomain.Project, error) {
	projectID = normalizeID(projectID)
	if projectID == "" {
		return nil, ledgerdomain.ErrInvalidProjectID
	}
	project, err := s.repo.FindProject(ctx, s.db, projectID)
	if err != nil {
		return nil, err
	}
	target := authorization.Target{}
	if project != nil {
		target = authorization.Target{UserID: project.UserID, DomainID: project.DomainID}
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectProject, authorization.ActionProjectView, target); err != nil {
		return nil, err
	}
	return project, nil
}

func (s *Service) GetUserProjects(ctx context.Context, userID string) ([]ledgerdomain.UserProject, error) {
	userID = normalizeID(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectProject, authorization.ActionProjectView, authorization.Target{UserID: userID}); err != nil {
		return nil, err
	}
	return s.repo.ListUserProjects(ctx, s.db, userID)
}

// ChangeBillingOwner moves the project, every order of the project and the
// user-project relation to the new payer in one transaction.
func (s *Service) ChangeBillingOwner(ctx context.Context, projectID, newUserID string) error {
	projectID = normalizeID(projectID)
	if projectID == "" {
		return ledgerdomain.ErrInvalidProjectID
	}
	newUserID = normalizeID(newUserID)
	if newUserID == "" {
		return ledgerdomain.ErrInvalidUserID
	}
	if err := s.authz.Authorize(ctx, authorization.ObjectProject, authorization.ActionProjectChangeOwner, authorization.Target{}); err != nil {
		return err
	}

	var previousOwner string
	err := s.retryCAS(ctx, func(tx *gorm.DB) error {
		account, err := s.repo.FindAccount(ctx, tx, newUserID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrAccountNotFound
		}
		project, err := s.repo.FindProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if project == nil {
			return ledgerdomain.ErrProjectNotFound
		}
		previousOwner = project.UserID

		orders, err := s.repo.ListOrders(ctx, tx, ledgerdomain.OrderFilter{ProjectID: projectID})
		if err != nil {
			return err
		}
		for i := range orders {
			prev := orders[i]
			next := prev
			next.UserID = newUserID
			if err := s.swapOrder(ctx, tx, &prev, &next); err != nil {
				return err
			}
		}

		now := s.now()
		ok, err := s.repo.CompareAndSwapProjectOwner(ctx, tx, project, newUserID, now)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("project", ledgerdomain.ErrProjectUpdateFailed)
		}

		relation, err := s.repo.FindUserProject(ctx, tx, newUserID, projectID)
		if err != nil {
			return err
		}
		if relation != nil {
			return nil
		}
		return s.repo.InsertUserProject(ctx, tx, &ledgerdomain.UserProject{
			UserID:      newUserID,
			ProjectID:   projectID,
			DomainID:    project.DomainID,
			Consumption: decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("ledger.billing_owner.change_failed",
			zap.String("project_id", projectID),
			zap.String("user_id", newUserID),
			zap.Error(err),
		)
		return err
	}

	s.obsMetrics.RecordBillingOwnerChange(ctx)
	logger.WithContext(ctx, s.log).Info("ledger.billing_owner.changed",
		zap.String("project_id", projectID),
		zap.String("previous_user_id", previousOwner),
		zap.String("user_id", newUserID),
	)
	return nil
}
