package order

import (
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *frameRecorder) send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(data))
	return nil
}

func (r *frameRecorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestBuffer_Immediate(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBuffer(0, rec.send, nil)

	require.NoError(t, b.Push(Op{Name: OpCancel, Payload: CancelPayload{ID: 7}}))

	frames := rec.sent()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `[0,"oc",null,{"id":7}]`, frames[0])
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_BatchesAfterDelay(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBuffer(20*time.Millisecond, rec.send, nil)

	require.NoError(t, b.Push(Op{Name: OpCancel, Payload: CancelPayload{ID: 1}}))
	require.NoError(t, b.Push(Op{Name: OpCancel, Payload: CancelPayload{ID: 2}}))
	assert.Empty(t, rec.sent())
	assert.Equal(t, 2, b.Len())

	assert.Eventually(t, func() bool { return len(rec.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `[0,"ox_multi",null,[["oc",{"id":1}],["oc",{"id":2}]]]`, rec.sent()[0])
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_FlushChunks(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBuffer(time.Hour, rec.send, nil)

	for i := 0; i < 32; i++ {
		require.NoError(t, b.Push(Op{Name: OpCancel, Payload: CancelPayload{ID: int64(i)}}))
	}
	require.NoError(t, b.Flush())

	frames := rec.sent()
	require.Len(t, frames, 3)

	var sizes []int
	for _, f := range frames {
		var decoded []any
		require.NoError(t, sonic.UnmarshalString(f, &decoded))
		assert.Equal(t, OpMulti, decoded[1])
		sizes = append(sizes, len(decoded[3].([]any)))
	}
	assert.Equal(t, []int{15, 15, 2}, sizes)
}

func TestBuffer_Stop(t *testing.T) {
	rec := &frameRecorder{}
	b := NewBuffer(10*time.Millisecond, rec.send, nil)

	require.NoError(t, b.Push(Op{Name: OpCancel, Payload: CancelPayload{ID: 1}}))
	assert.Equal(t, 1, b.Stop())

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, rec.sent())
}

func TestMultiFrame(t *testing.T) {
	data, err := MultiFrame([]Op{
		{Name: OpNew, Payload: map[string]any{"cid": 1}},
		{Name: OpCancelMulti, Payload: CancelMultiPayload{IDs: []int64{3, 4}}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[0,"ox_multi",null,[["on",{"cid":1}],["oc_multi",{"id":[3,4]}]]]`, string(data))
}
