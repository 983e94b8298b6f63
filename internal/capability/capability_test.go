package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/domain"
)

func TestTable(t *testing.T) {
	tbl, err := New()
	require.NoError(t, err)

	tests := map[string]struct {
		got  bool
		want bool
	}{
		"kitchen joins kitchen":       {tbl.CanJoin(RoleKitchen, domain.ChannelKitchen), true},
		"kitchen cannot join admin":   {tbl.CanJoin(RoleKitchen, domain.ChannelAdmin), false},
		"waiter joins service":        {tbl.CanJoin(RoleWaiter, domain.ChannelService), true},
		"admin joins anything":        {tbl.CanJoin(RoleAdmin, domain.ChannelKitchen), true},
		"customer cannot join":        {tbl.CanJoin(RoleCustomer, domain.ChannelService), false},
		"customer creates orders":     {tbl.CanCreateOrder(RoleCustomer), true},
		"waiter inherits create":      {tbl.CanCreateOrder(RoleWaiter), true},
		"kitchen does not create":     {tbl.CanCreateOrder(RoleKitchen), false},
		"kitchen marks ready":         {tbl.CanSetStatus(RoleKitchen, domain.StatusReady), true},
		"kitchen cannot mark paid":    {tbl.CanSetStatus(RoleKitchen, domain.StatusPaid), false},
		"waiter marks paid":           {tbl.CanSetStatus(RoleWaiter, domain.StatusPaid), true},
		"customer cannot set status":  {tbl.CanSetStatus(RoleCustomer, domain.StatusCancelled), false},
		"kitchen emits status change": {tbl.CanEmit(RoleKitchen, domain.EventOrderStatusChange), true},
		"kitchen cannot emit new":     {tbl.CanEmit(RoleKitchen, domain.EventOrderNew), false},
		"waiter closes sessions":      {tbl.CanCloseSession(RoleWaiter), true},
		"unknown role has nothing":    {tbl.CanReadOrders(Role("courier")), false},
		"admin sets any status":       {tbl.CanSetStatus(RoleAdmin, domain.StatusPreparing), true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.got)
		})
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleCustomer, ParseRole(""))
	assert.Equal(t, RoleKitchen, ParseRole(" Kitchen "))
}

func TestDefaultChannel(t *testing.T) {
	ch, ok := DefaultChannel(RoleKitchen)
	assert.True(t, ok)
	assert.Equal(t, domain.ChannelKitchen, ch)

	_, ok = DefaultChannel(RoleCustomer)
	assert.False(t, ok)
}
