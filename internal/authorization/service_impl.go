package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	roleAdmin  = "role:admin"
	roleSystem = "role:system"
	roleUser   = "role:user"

	defaultDomain = "default"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer builds an enforcer persisted through gorm and seeds the built-in roles.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// NewMemoryEnforcer builds a seeded enforcer without persistence.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, object, action string, target Target) error {
	actor, ok := requestcontext.ActorFromContext(ctx)
	if !ok {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor)
	if err != nil {
		return err
	}

	domain := domainFor(actor, target)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(actor, domain, object, action)
		return ErrForbidden
	}

	if actor.Type == requestcontext.ActorUser {
		owner := strings.TrimSpace(target.UserID)
		if owner != "" && owner != strings.TrimSpace(actor.UserID) {
			s.logDenied(actor, domain, object, action)
			return ErrForbidden
		}
	}
	return nil
}

func (s *ServiceImpl) RequireAdmin(ctx context.Context) error {
	actor, ok := requestcontext.ActorFromContext(ctx)
	if !ok {
		return ErrInvalidActor
	}
	if actor.Type != requestcontext.ActorAdmin {
		return ErrAdminRequired
	}
	if _, _, err := resolveActor(actor); err != nil {
		return err
	}
	return nil
}

func resolveActor(actor requestcontext.Actor) (string, string, error) {
	switch actor.Type {
	case requestcontext.ActorSystem:
		return actor.ID(), roleSystem, nil
	case requestcontext.ActorAdmin:
		if strings.TrimSpace(actor.UserID) == "" {
			return "", "", ErrInvalidActor
		}
		return actor.ID(), roleAdmin, nil
	case requestcontext.ActorUser:
		if strings.TrimSpace(actor.UserID) == "" {
			return "", "", ErrInvalidActor
		}
		return actor.ID(), roleUser, nil
	default:
		return "", "", ErrInvalidActor
	}
}

func domainFor(actor requestcontext.Actor, target Target) string {
	domainID := strings.TrimSpace(target.DomainID)
	if domainID == "" {
		domainID = strings.TrimSpace(actor.DomainID)
	}
	if domainID == "" {
		domainID = defaultDomain
	}
	return fmt.Sprintf("domain:%s", domainID)
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) logDenied(actor requestcontext.Actor, domain, object, action string) {
	s.log.Warn("authorization.denied",
		zap.String("actor_type", string(actor.Type)),
		zap.String("actor_id", actor.ID()),
		zap.String("domain", domain),
		zap.String("object", object),
		zap.String("action", action),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{roleAdmin, "*", "*", "*"},

		// Background reconciliation and provisioning hooks
		{roleSystem, "*", ObjectAccount, ActionAccountCreate},
		{roleSystem, "*", ObjectAccount, ActionAccountView},
		{roleSystem, "*", ObjectAccount, ActionAccountDebit},
		{roleSystem, "*", ObjectProject, ActionProjectCreate},
		{roleSystem, "*", ObjectProject, ActionProjectView},
		{roleSystem, "*", ObjectOrder, ActionOrderCreate},
		{roleSystem, "*", ObjectOrder, ActionOrderView},
		{roleSystem, "*", ObjectOrder, ActionOrderClose},
		{roleSystem, "*", ObjectOrder, ActionOrderUpdate},

		// End users, scoped to their own records
		{roleUser, "*", ObjectAccount, ActionAccountView},
		{roleUser, "*", ObjectProject, ActionProjectView},
		{roleUser, "*", ObjectOrder, ActionOrderView},
		{roleUser, "*", ObjectOrder, ActionOrderRenew},
		{roleUser, "*", ObjectCharge, ActionChargeView},
	}

	for _, policy := range policies {
		if len(policy) < 4 {
			continue
		}
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
