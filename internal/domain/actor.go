package domain

type Role string

const (
	RoleSales            Role = "sales"
	RoleSalesManager     Role = "sales_manager"
	RoleWarehouse        Role = "warehouse"
	RoleWarehouseManager Role = "warehouse_manager"
	RoleFinance          Role = "finance"
	RoleAdmin            Role = "admin"
	RoleSystem           Role = "system"
)

// Actor is the authenticated user on whose behalf an operation runs.
type Actor struct {
	UserID int32  `json:"user_id"`
	Name   string `json:"name"`
	Roles  []Role `json:"roles"`
}

// SystemActor is used by scheduled jobs and compensations.
var SystemActor = Actor{UserID: 0, Name: "system", Roles: []Role{RoleSystem}}

func (a Actor) Has(roles ...Role) bool {
	for _, have := range a.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (a Actor) CanApproveOrders() bool {
	return a.Has(RoleSalesManager, RoleAdmin)
}

func (a Actor) CanApproveAdjustments() bool {
	return a.Has(RoleWarehouseManager, RoleAdmin)
}

func (a Actor) CanOperateWarehouse() bool {
	return a.Has(RoleWarehouse, RoleWarehouseManager, RoleAdmin, RoleSystem)
}

func (a Actor) CanManageFinance() bool {
	return a.Has(RoleFinance, RoleAdmin, RoleSystem)
}

func (a Actor) CanManageOrders() bool {
	return a.Has(RoleSales, RoleSalesManager, RoleAdmin, RoleSystem)
}
