package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/security"
)

func TestS0Success(t *testing.T) {
	keys := newKeyStore(t, security.ClassS0Legacy)
	node := newFakeNode(t, keys)

	b := NewS0(node, keys, 500*time.Millisecond, testLogger())
	out := b.Bootstrap(context.Background(), S0Request{NodeID: node.id})

	require.True(t, out.Success, "reason %s", out.Reason)
	assert.Equal(t, []security.Class{security.ClassS0Legacy}, out.Granted.Classes())

	sets := node.sentOf(func(c cc.Command) bool { _, ok := c.(*cc.S0NetworkKeySet); return ok })
	require.Len(t, sets, 1)
	assert.Equal(t, security.ClassTemporary, sets[0].opts.Security)
	want, _ := keys.NetworkKey(security.ClassS0Legacy)
	assert.Equal(t, want, sets[0].cmd.(*cc.S0NetworkKeySet).Key)

	assert.Empty(t, node.sentOf(func(c cc.Command) bool { _, ok := c.(*cc.S0SchemeInherit); return ok }))
	_, ok := keys.Nonce(node.id)
	assert.False(t, ok, "nonce state must be cleared")
}

func TestS0InheritScheme(t *testing.T) {
	keys := newKeyStore(t, security.ClassS0Legacy)
	node := newFakeNode(t, keys)

	b := NewS0(node, keys, 500*time.Millisecond, testLogger())
	out := b.Bootstrap(context.Background(), S0Request{NodeID: node.id, InheritScheme: true})

	require.True(t, out.Success)
	inherits := node.sentOf(func(c cc.Command) bool { _, ok := c.(*cc.S0SchemeInherit); return ok })
	require.Len(t, inherits, 1)
	assert.Equal(t, security.ClassS0Legacy, inherits[0].opts.Security)
}

func TestS0KeyVerifyTimeout(t *testing.T) {
	keys := newKeyStore(t, security.ClassS0Legacy)
	node := newFakeNode(t, keys)
	node.s0SkipVerify = true

	budget := 150 * time.Millisecond
	b := NewS0(node, keys, budget, testLogger())
	start := time.Now()
	out := b.Bootstrap(context.Background(), S0Request{NodeID: node.id})

	assert.False(t, out.Success)
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.False(t, out.Granted.Any(), "every class must be marked not granted")
	assert.Less(t, time.Since(start), budget+100*time.Millisecond, "steps share one budget")
}

func TestS0NoKey(t *testing.T) {
	keys := newKeyStore(t)
	node := newFakeNode(t, keys)

	out := NewS0(node, keys, 0, testLogger()).Bootstrap(context.Background(), S0Request{NodeID: node.id})

	assert.Equal(t, ReasonNoKeysConfigured, out.Reason)
	assert.Empty(t, node.sent)
}

func TestS0Cancel(t *testing.T) {
	keys := newKeyStore(t, security.ClassS0Legacy)
	node := newFakeNode(t, keys)
	node.s0SkipVerify = true
	cancel := make(chan FailureReason, 1)
	cancel <- ReasonUserCanceled

	out := NewS0(node, keys, time.Second, testLogger()).Bootstrap(context.Background(),
		S0Request{NodeID: node.id, Cancel: cancel})

	assert.Equal(t, ReasonUserCanceled, out.Reason)
}
