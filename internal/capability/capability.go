// Package capability holds the single role → (object, action) table that the
// order endpoints and the realtime hub both consult.
package capability

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"restaurant-sync/internal/domain"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleWaiter   Role = "waiter"
	RoleKitchen  Role = "kitchen"
	RoleAdmin    Role = "admin"
)

// Actions.
const (
	ActJoin   = "join"
	ActCreate = "create"
	ActRead   = "read"
	ActSet    = "set"
	ActEmit   = "emit"
	ActClose  = "close"
)

const modelConf = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// policies is the declarative capability table.
var policies = [][]string{
	{"customer", "/orders", ActCreate},
	{"customer", "/orders", ActRead},

	{"waiter", "/channels/service", ActJoin},
	{"waiter", "/orders/status/ACCEPTED", ActSet},
	{"waiter", "/orders/status/DELIVERED", ActSet},
	{"waiter", "/orders/status/COMPLETED", ActSet},
	{"waiter", "/orders/status/PAID", ActSet},
	{"waiter", "/orders/status/CANCELLED", ActSet},
	{"waiter", "/events/statusChange", ActEmit},
	{"waiter", "/sessions", ActClose},

	{"kitchen", "/channels/kitchen", ActJoin},
	{"kitchen", "/orders", ActRead},
	{"kitchen", "/orders/status/ACCEPTED", ActSet},
	{"kitchen", "/orders/status/PREPARING", ActSet},
	{"kitchen", "/orders/status/READY", ActSet},
	{"kitchen", "/orders/status/CANCELLED", ActSet},
	{"kitchen", "/events/statusChange", ActEmit},

	{"admin", "/*", "*"},
}

var inheritance = [][]string{
	{"waiter", "customer"},
}

// Table answers capability questions. It is safe for concurrent use.
type Table struct {
	enforcer *casbin.SyncedEnforcer
}

func New() (*Table, error) {
	m, err := model.NewModelFromString(modelConf)
	if err != nil {
		return nil, fmt.Errorf("capability model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("capability enforcer: %w", err)
	}
	if _, err := e.AddPolicies(policies); err != nil {
		return nil, fmt.Errorf("capability policies: %w", err)
	}
	if _, err := e.AddGroupingPolicies(inheritance); err != nil {
		return nil, fmt.Errorf("capability roles: %w", err)
	}
	return &Table{enforcer: e}, nil
}

// ParseRole maps the upstream role header onto a known role; an empty value
// is a guest ordering from the menu.
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RoleCustomer
	}
	return Role(s)
}

func (t *Table) Can(role Role, obj, act string) bool {
	ok, err := t.enforcer.Enforce(string(role), obj, act)
	return err == nil && ok
}

func (t *Table) CanJoin(role Role, ch domain.Channel) bool {
	return t.Can(role, "/channels/"+string(ch), ActJoin)
}

func (t *Table) CanCreateOrder(role Role) bool { return t.Can(role, "/orders", ActCreate) }

func (t *Table) CanReadOrders(role Role) bool { return t.Can(role, "/orders", ActRead) }

func (t *Table) CanSetStatus(role Role, st domain.Status) bool {
	return t.Can(role, "/orders/status/"+string(st), ActSet)
}

func (t *Table) CanEmit(role Role, typ domain.EventType) bool {
	name := strings.TrimPrefix(string(typ), "order:")
	return t.Can(role, "/events/"+name, ActEmit)
}

func (t *Table) CanCloseSession(role Role) bool { return t.Can(role, "/sessions", ActClose) }

// DefaultChannel is the operational channel a role joins when it does not ask
// for one explicitly.
func DefaultChannel(role Role) (domain.Channel, bool) {
	switch role {
	case RoleKitchen:
		return domain.ChannelKitchen, true
	case RoleWaiter:
		return domain.ChannelService, true
	case RoleAdmin:
		return domain.ChannelAdmin, true
	}
	return "", false
}
