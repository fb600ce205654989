package source

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/nodeapi"
)

// fakeRemote serves a slice of payments, oldest-first.
type fakeRemote struct {
	mu       sync.Mutex
	payments []nodeapi.PaymentEvent
	calls    int
	err      error
}

func newFakeRemote(n int) *fakeRemote {
	r := &fakeRemote{}
	for i := 0; i < n; i++ {
		r.payments = append(r.payments, nodeapi.PaymentEvent{
			Event:        string(model.EventPaymentSentSuccess),
			Target:       common.BigToAddress(common.Big1),
			TokenAddress: common.HexToAddress("0xc3"),
			Amount:       uint256.NewInt(uint64(i + 1)),
			Identifier:   uint64(i),
		})
	}
	return r
}

func (r *fakeRemote) PaymentHistory(ctx context.Context, q nodeapi.HistoryQuery) (*nodeapi.HistoryPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	total := len(r.payments)
	start := min(q.Offset, total)
	end := min(q.Offset+q.Limit, total)
	return &nodeapi.HistoryPage{Payments: append([]nodeapi.PaymentEvent(nil), r.payments[start:end]...), Total: total}, nil
}

func TestFetchAssignsOffsets(t *testing.T) {
	a := NewAdapter(newFakeRemote(10), 0)
	b, err := a.Fetch(context.Background(), 4, 3)
	require.NoError(t, err)

	require.Len(t, b.Entries, 4)
	for i, e := range b.Entries {
		assert.Equal(t, 3+i, e.Offset)
		assert.Equal(t, uint64(3+i), e.Identifier)
	}
	assert.Equal(t, 10, b.Total)
	assert.False(t, b.Truncated())
	assert.False(t, b.ReachesStart())
	assert.False(t, b.ReachesEnd())
	assert.Equal(t, 7, b.End())
}

func TestFetchTruncatedAtNewestEnd(t *testing.T) {
	a := NewAdapter(newFakeRemote(10), 0)
	b, err := a.Fetch(context.Background(), 25, 8)
	require.NoError(t, err)

	assert.Len(t, b.Entries, 2)
	assert.True(t, b.Truncated())
	assert.True(t, b.ReachesEnd())
}

func TestFetchTail(t *testing.T) {
	a := NewAdapter(newFakeRemote(10), 0)

	b, err := a.FetchTail(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 6, b.Offset)
	assert.Len(t, b.Entries, 4)
	assert.Equal(t, 9, b.Entries[3].Offset)

	b, err = a.FetchTail(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Offset)
	assert.Len(t, b.Entries, 10)
	assert.True(t, b.ReachesStart())
	assert.False(t, b.Truncated(), "window was clamped to the log, not cut short")
	assert.Equal(t, 10, a.LastTotal())
}

func TestFetchCachesImmutableRanges(t *testing.T) {
	remote := newFakeRemote(10)
	a := NewAdapter(remote, 1)
	ctx := context.Background()

	first, err := a.Fetch(ctx, 5, 0)
	require.NoError(t, err)
	second, err := a.Fetch(ctx, 5, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, remote.calls)
	require.Len(t, second.Entries, 5)
	for i := range first.Entries {
		assert.Equal(t, first.Entries[i].Offset, second.Entries[i].Offset)
		assert.Equal(t, first.Entries[i].Amount.Dec(), second.Entries[i].Amount.Dec())
	}

	// Truncated windows may still grow and must not be cached.
	_, err = a.Fetch(ctx, 5, 8)
	require.NoError(t, err)
	_, err = a.Fetch(ctx, 5, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, remote.calls)
}

func TestResetDropsCachedWindows(t *testing.T) {
	remote := newFakeRemote(10)
	a := NewAdapter(remote, 1)
	ctx := context.Background()

	_, err := a.Fetch(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, a.LastTotal())

	// The node starts a new log with different payments.
	fresh := newFakeRemote(6)
	remote.mu.Lock()
	remote.payments = fresh.payments
	for i := range remote.payments {
		remote.payments[i].Amount = uint256.NewInt(uint64(100 + i))
	}
	remote.mu.Unlock()

	a.Reset()
	assert.Equal(t, 0, a.LastTotal())
	b, err := a.Fetch(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.calls)
	assert.Equal(t, 6, b.Total)
	assert.Equal(t, "100", b.Entries[0].Amount.Dec())
}

func TestFetchError(t *testing.T) {
	remote := newFakeRemote(3)
	remote.err = errors.New("connection refused")
	a := NewAdapter(remote, 0)

	_, err := a.Fetch(context.Background(), 2, 0)
	assert.ErrorContains(t, err, "connection refused")

	_, err = a.Fetch(context.Background(), -1, 0)
	assert.Error(t, err)
}

func TestToLogEntryDirection(t *testing.T) {
	me := common.HexToAddress("0xa1")
	peer := common.HexToAddress("0xb2")

	sent := ToLogEntry(0, nodeapi.PaymentEvent{Event: string(model.EventPaymentSentSuccess), Initiator: me, Target: peer})
	assert.Equal(t, model.Sent, sent.Direction)
	assert.Equal(t, peer, sent.Counterparty)

	recv := ToLogEntry(1, nodeapi.PaymentEvent{Event: string(model.EventPaymentReceivedSuccess), Initiator: peer, Target: me})
	assert.Equal(t, model.Received, recv.Direction)
	assert.Equal(t, peer, recv.Counterparty)
	assert.Equal(t, 1, recv.Offset)
}
