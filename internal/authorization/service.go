package authorization

import "context"

const (
	ObjectAccount = "account"
	ObjectProject = "project"
	ObjectOrder   = "order"
	ObjectCharge  = "charge"
)

const (
	ActionAccountCreate   = "account.create"
	ActionAccountView     = "account.view"
	ActionAccountDebit    = "account.debit"
	ActionAccountCharge   = "account.charge"
	ActionAccountLevel    = "account.level"
	ActionAccountTransfer = "account.transfer"
	ActionAccountFreeze   = "account.freeze"

	ActionProjectCreate      = "project.create"
	ActionProjectView        = "project.view"
	ActionProjectChangeOwner = "project.change_owner"

	ActionOrderCreate = "order.create"
	ActionOrderView   = "order.view"
	ActionOrderClose  = "order.close"
	ActionOrderUpdate = "order.update"
	ActionOrderFix    = "order.fix"
	ActionOrderRenew  = "order.renew"

	ActionChargeView = "charge.view"
)

// Target scopes a check to the owner of the resource being touched.
// Empty fields do not constrain the decision.
type Target struct {
	UserID   string
	DomainID string
}

type Service interface {
	Authorize(ctx context.Context, object, action string, target Target) error
	RequireAdmin(ctx context.Context) error
}
