package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/common/logger"
)

type switchChecker struct{ up atomic.Bool }

func (p *switchChecker) Health(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func recv(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity change")
		return false
	}
}

func TestConnectivity_ReportsTransitions(t *testing.T) {
	p := &switchChecker{}
	c := NewConnectivity(p, 10*time.Millisecond, logger.Nop())
	c.Start()
	defer func() { require.NoError(t, c.Stop()) }()

	assert.False(t, recv(t, c.Changes()))
	assert.False(t, c.Online())

	p.up.Store(true)
	assert.True(t, recv(t, c.Changes()))
	assert.True(t, c.Online())

	p.up.Store(false)
	assert.False(t, recv(t, c.Changes()))
}
