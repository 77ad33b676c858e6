package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRunsEveryHandler(t *testing.T) {
	d := NewInMemoryDispatcher()
	var got []string
	d.Subscribe(EventTicketTriaged, func(_ context.Context, e Event) error {
		got = append(got, "first:"+e.TicketID)
		return errors.New("webhook down")
	})
	d.Subscribe(EventTicketTriaged, func(_ context.Context, e Event) error {
		got = append(got, "second:"+e.TicketID)
		return nil
	})
	d.Subscribe(EventTicketResolved, func(context.Context, Event) error {
		t.Fatal("unrelated handler invoked")
		return nil
	})

	err := d.Publish(context.Background(), New(EventTicketTriaged, "t-1", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook down")
	assert.Equal(t, []string{"first:t-1", "second:t-1"}, got)
}

func TestNewStampsEvent(t *testing.T) {
	e := New(EventTicketCreated, "t-2", TicketCreatedPayload{Subject: "s"})
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, EventTicketCreated, e.Type)
	assert.NoError(t, NewInMemoryDispatcher().Publish(context.Background(), e))
}
