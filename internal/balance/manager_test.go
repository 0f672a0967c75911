package balance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplySnapshotIgnoresOlder(t *testing.T) {
	m := NewManager()

	assert.True(t, m.ApplySnapshot(200, []Asset{{Asset: "USDT", Free: 100, Locked: 5}}))
	assert.False(t, m.ApplySnapshot(100, []Asset{{Asset: "USDT", Free: 1}}))

	usdt, ok := m.Get("USDT")
	assert.True(t, ok)
	assert.Equal(t, 100.0, usdt.Free)
	assert.Equal(t, 105.0, usdt.Total())

	assert.True(t, m.ApplySnapshot(300, []Asset{{Asset: "BNB", Free: 2}, {Asset: ""}}))
	snap := m.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, "BNB", snap[0].Asset)
}
