package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"voip-platform/internal/calls"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_PublishesToTenantChannel(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewPublisher(db, PublisherOptions{})

	call := calls.Call{ID: "call-1", TenantID: "t1", Status: calls.CallStatusRinging}
	raw, err := json.Marshal(Message{Table: "calls", Type: TypeInsert, Record: call})
	require.NoError(t, err)
	mock.ExpectPublish("realtime:tenant:t1", raw).SetVal(1)

	p.OnCallChanged(context.Background(), calls.Change{Call: call, Created: true})
	e := <-p.queue
	require.NoError(t, p.Publish(context.Background(), e.tenantID, e.msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublisher_UpdateCarriesPreviousRow(t *testing.T) {
	p := NewPublisher(nil, PublisherOptions{})
	prev := calls.Call{ID: "call-1", TenantID: "t1", Status: calls.CallStatusRinging}
	cur := calls.Call{ID: "call-1", TenantID: "t1", Status: calls.CallStatusInProgress}

	p.OnCallChanged(context.Background(), calls.Change{Call: cur, Previous: prev})
	e := <-p.queue
	assert.Equal(t, TypeUpdate, e.msg.Type)
	assert.Equal(t, prev, e.msg.OldRecord)
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	p := NewPublisher(nil, PublisherOptions{Buffer: 1})
	assert.True(t, p.Enqueue("t1", Message{Table: "calls"}))
	assert.False(t, p.Enqueue("t1", Message{Table: "calls"}))
	assert.False(t, p.Enqueue("", Message{Table: "calls"}), "changes without tenant are not routed")
}

func TestPublisher_RunDrainsUntilCancelled(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.MatchExpectationsInOrder(true)
	p := NewPublisher(db, PublisherOptions{})

	for _, id := range []string{"a", "b"} {
		m := Message{Table: "calls", Type: TypeUpdate, Record: map[string]string{"id": id}}
		raw, _ := json.Marshal(m)
		mock.ExpectPublish("realtime:tenant:t1", raw).SetVal(1)
		p.Enqueue("t1", m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(p.queue) == 0 && mock.ExpectationsWereMet() == nil }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPublisher_PublishError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewPublisher(db, PublisherOptions{})
	m := Message{Table: "calls", Type: TypeInsert}
	raw, _ := json.Marshal(m)
	mock.ExpectPublish("realtime:tenant:t1", raw).SetErr(errors.New("redis down"))

	assert.Error(t, p.Publish(context.Background(), "t1", m))
}
