package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
)

type captureChannel struct {
	events []TransferEvent
	err    error
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Notify(_ context.Context, event TransferEvent) error {
	c.events = append(c.events, event)
	return c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanout_DeliversToAllChannels(t *testing.T) {
	a := &captureChannel{}
	b := &captureChannel{}
	fanout := NewFanout(testLogger(), a, b)

	event := TransferEvent{AccountID: uuid.New(), TxHash: "0xabc", Status: model.TxStatusPending}
	require.NoError(t, fanout.Notify(context.Background(), event))

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestFanout_TerminalEventsDeliveredOnce(t *testing.T) {
	ch := &captureChannel{}
	fanout := NewFanout(testLogger(), ch)

	confirmed := TransferEvent{TxHash: "0xabc", Status: model.TxStatusConfirmed}
	require.NoError(t, fanout.Notify(context.Background(), confirmed))

	// A mistakenly re-triggered continuation must not produce a second
	// terminal notification for the same hash.
	failed := TransferEvent{TxHash: "0xabc", Status: model.TxStatusFailed}
	require.NoError(t, fanout.Notify(context.Background(), failed))

	require.Len(t, ch.events, 1)
	assert.Equal(t, model.TxStatusConfirmed, ch.events[0].Status)
}

func TestFanout_PendingEventsNotDeduplicated(t *testing.T) {
	ch := &captureChannel{}
	fanout := NewFanout(testLogger(), ch)

	pending := TransferEvent{TxHash: "0xabc", Status: model.TxStatusPending}
	require.NoError(t, fanout.Notify(context.Background(), pending))
	terminal := TransferEvent{TxHash: "0xabc", Status: model.TxStatusConfirmed}
	require.NoError(t, fanout.Notify(context.Background(), terminal))

	assert.Len(t, ch.events, 2)
}

func TestFanout_ChannelFailureDoesNotBlockOthers(t *testing.T) {
	failing := &captureChannel{err: errors.New("sink down")}
	healthy := &captureChannel{}
	fanout := NewFanout(testLogger(), failing, healthy)

	err := fanout.Notify(context.Background(), TransferEvent{TxHash: "0xdef", Status: model.TxStatusConfirmed})
	assert.Error(t, err)
	assert.Len(t, healthy.events, 1)
}
