package pm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/btpm/ipc"
)

type testHandler func(v int)

func TestIDAllocatorWraps(t *testing.T) {
	var ids IDAllocator
	assert.Equal(t, uint32(1), ids.Next())
	assert.Equal(t, uint32(2), ids.Next())

	ids.next = 0x7FFFFFFF
	assert.Equal(t, uint32(0x7FFFFFFF), ids.Next())
	// 跳过带响应位的值，回到 1
	assert.Equal(t, uint32(1), ids.Next())

	ids.Reset()
	assert.Equal(t, uint32(1), ids.Next())
}

func TestRegistryUniqueness(t *testing.T) {
	var ids IDAllocator
	var r Registry[testHandler]
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id, err := r.Register(&ids, Entry[testHandler]{Handler: func(int) {}, Local: true})
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
		if i%3 == 0 {
			_, ok := r.Remove(id)
			require.True(t, ok)
		}
	}

	// 计数器不回绕时被删除的 id 不会被复用
	id, err := r.Register(&ids, Entry[testHandler]{Handler: func(int) {}, Local: true})
	require.NoError(t, err)
	assert.False(t, seen[id])
}

func TestRegistryAddRejects(t *testing.T) {
	var r Registry[testHandler]
	h := testHandler(func(int) {})

	assert.ErrorIs(t, r.Add(Entry[testHandler]{ID: 0, Handler: h, Local: true}), ErrUnableToAddEntry)
	require.NoError(t, r.Add(Entry[testHandler]{ID: 5, Handler: h, Local: true}))
	assert.ErrorIs(t, r.Add(Entry[testHandler]{ID: 5, Handler: h, Local: true}), ErrUnableToAddEntry)
	assert.ErrorIs(t, r.Add(Entry[testHandler]{ID: 6, Local: true}), ErrInvalidParameter)
	// 远端条目没有处理函数
	require.NoError(t, r.Add(Entry[testHandler]{ID: 7, ClientID: 0x100}))
	assert.Equal(t, 2, r.Len())

	// 回绕碰撞必须检查而不是假设
	ids := IDAllocator{next: 5}
	_, err := r.Register(&ids, Entry[testHandler]{Handler: h, Local: true})
	assert.ErrorIs(t, err, ErrUnableToAddEntry)
}

func TestRegistryFindRemoveClear(t *testing.T) {
	var r Registry[testHandler]
	h := testHandler(func(int) {})
	require.NoError(t, r.Add(Entry[testHandler]{ID: 1, Handler: h, Local: true, Param: "a"}))
	require.NoError(t, r.Add(Entry[testHandler]{ID: 2, ClientID: 0x100}))
	require.NoError(t, r.Add(Entry[testHandler]{ID: 3, ClientID: 0x101}))
	require.NoError(t, r.Add(Entry[testHandler]{ID: 4, ClientID: 0x100}))

	e, ok := r.Find(1)
	require.True(t, ok)
	assert.Equal(t, "a", e.Param)
	_, ok = r.Find(9)
	assert.False(t, ok)

	removed := r.RemoveClient(0x100)
	assert.Len(t, removed, 2)
	assert.Equal(t, []uint32{1, 3}, entryIDs(r.Entries()))
	assert.True(t, r.HasLocal())

	_, ok = r.Remove(1)
	assert.True(t, ok)
	_, ok = r.Remove(1)
	assert.False(t, ok)
	assert.False(t, r.HasLocal())

	assert.Len(t, r.Clear(), 1)
	assert.Equal(t, 0, r.Len())
}

func entryIDs[H any](entries []Entry[H]) []uint32 {
	out := make([]uint32, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, int32(0), Code(nil))
	assert.Equal(t, int32(-8), Code(ErrProcedureAlreadyOutstanding))
	assert.Equal(t, int32(-12), Code(wrap(ErrTransport)))
	assert.Equal(t, ErrUnknown.Code, Code(assert.AnError))

	assert.NoError(t, FromCode(0))
	assert.Equal(t, ErrDevicePoweredDown, FromCode(-9))
	assert.Equal(t, ErrUnknown, FromCode(-999))

	for code := int32(-1); code >= -16; code-- {
		assert.Equal(t, code, Code(FromCode(code)))
	}
}

func wrap(err error) error {
	return &wrapped{err}
}

type wrapped struct{ err error }

func (w *wrapped) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "manager", cfg.GetName())
	assert.Equal(t, int64(5000), cfg.Timeout().Milliseconds())

	cfg.TimeoutMs = 0
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.MailboxSize = -1
	assert.Error(t, cfg.Validate())
}

var _ ipc.Bus = (*fakeBus)(nil)
