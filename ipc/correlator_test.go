package ipc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorDeliversMatchingResponse(t *testing.T) {
	c := NewCorrelator(time.Minute)
	id := c.NextMessageID()
	req := NewMessage(ServerAddressID, id, 0x200, 0x1001, nil)

	send := func(m *Message) error {
		go func() {
			// 其他 id 的响应不应被投递
			assert.False(t, c.Deliver(NewMessage(ServerAddressID, (m.MessageID+1)|ResponseMask, 0x200, 0x1001, nil)))
			assert.True(t, c.Deliver(m.NewResponse([]byte{9})))
		}()
		return nil
	}

	res, err := c.Call(context.Background(), send, req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, res.Payload)
	assert.Equal(t, 0, c.PendingCount())
}

// TestCorrelatorTimeout 超时后等待表被清空
func TestCorrelatorTimeout(t *testing.T) {
	c := NewCorrelator(time.Minute)
	req := NewMessage(ServerAddressID, c.NextMessageID(), 0x200, 0x1001, nil)

	start := time.Now()
	_, err := c.Call(context.Background(), func(*Message) error { return nil }, req, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.PendingCount())

	// 迟到的响应被丢弃
	assert.False(t, c.Deliver(req.NewResponse(nil)))
}

func TestCorrelatorTransportError(t *testing.T) {
	c := NewCorrelator(time.Minute)
	req := NewMessage(ServerAddressID, c.NextMessageID(), 0x200, 0x1001, nil)
	boom := errors.New("boom")

	_, err := c.Call(context.Background(), func(*Message) error { return boom }, req, time.Second)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorFailAll(t *testing.T) {
	c := NewCorrelator(time.Minute)
	req := NewMessage(ServerAddressID, c.NextMessageID(), 0x200, 0x1001, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), func(*Message) error { return nil }, req, 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	c.FailAll()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("call not woken by FailAll")
	}
}

func TestCorrelatorRejectsDuplicateAndClosed(t *testing.T) {
	c := NewCorrelator(time.Minute)
	_, err := c.Register(5)
	require.NoError(t, err)
	_, err = c.Register(5)
	assert.Error(t, err)

	c.Close()
	_, err = c.Register(6)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorContextCancel(t *testing.T) {
	c := NewCorrelator(time.Minute)
	req := NewMessage(ServerAddressID, c.NextMessageID(), 0x200, 0x1001, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, func(*Message) error { return nil }, req, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())
}

// TestCorrelatorSweepsExpiredWaiters 过期的等待项在下一次注册时清除
func TestCorrelatorSweepsExpiredWaiters(t *testing.T) {
	c := NewCorrelator(10 * time.Millisecond)
	_, err := c.Register(1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.PendingCount())

	time.Sleep(30 * time.Millisecond)
	_, err = c.Register(2)
	require.NoError(t, err)
	assert.Equal(t, 1, c.PendingCount())
	assert.False(t, c.Deliver(NewMessage(ServerAddressID, 1|ResponseMask, 0x200, 0x1001, nil)))
}
