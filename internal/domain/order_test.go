package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func mustDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestOrderQuantities(t *testing.T) {
	o := &Order{Lines: []OrderLine{
		{EquipmentID: 3, Quantity: 2},
		{EquipmentID: 1, Quantity: 4},
		{EquipmentID: 3, Quantity: 5},
	}}

	assert.Equal(t, map[int32]int32{1: 4, 3: 7}, o.Quantities())
	assert.Equal(t, []int32{3, 1}, o.EquipmentIDs())
}

func TestOrderClone(t *testing.T) {
	o := &Order{
		ID:           1,
		Lines:        []OrderLine{{EquipmentID: 1, Quantity: 2}},
		DepositTerms: &DepositTerms{Amount: decimal.NewFromInt(100)},
	}
	c := o.Clone()
	c.Lines[0].Quantity = 9
	c.DepositTerms.Amount = decimal.NewFromInt(1)

	assert.Equal(t, int32(2), o.Lines[0].Quantity)
	assert.True(t, decimal.NewFromInt(100).Equal(o.DepositTerms.Amount))
}

func TestReservationOwner(t *testing.T) {
	so := &Order{ID: 5}
	assert.Equal(t, int32(5), so.ReservationOwner())

	contract := &Order{ID: 9, ReservationRef: 5}
	assert.Equal(t, int32(5), contract.ReservationOwner())
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusClosed, OrderStatusCancelled, OrderStatusRejected, OrderStatusConverted} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []OrderStatus{OrderStatusDraft, OrderStatusPendingApproval, OrderStatusApproved, OrderStatusActive, OrderStatusExtended, OrderStatusReturned} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestActorRoles(t *testing.T) {
	manager := Actor{UserID: 2, Roles: []Role{RoleSales, RoleSalesManager}}
	assert.True(t, manager.CanApproveOrders())
	assert.False(t, manager.CanApproveAdjustments())

	clerk := Actor{UserID: 3, Roles: []Role{RoleWarehouse}}
	assert.True(t, clerk.CanOperateWarehouse())
	assert.False(t, clerk.CanApproveOrders())

	assert.True(t, SystemActor.CanManageFinance())
}
