package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

func TestDispatcherPublishesChatMessages(t *testing.T) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msgs, err := ch.Subscribe(ctx, ChatEventsTopic)
	require.NoError(t, err)

	d := NewDispatcher(ch)
	env := &model.Envelope{Type: model.TypeChatMessage, UserID: "u1", Text: "hello"}
	require.NoError(t, d.PublishChatMessage(ctx, env))

	select {
	case msg := <-msgs:
		assert.Equal(t, "u1", msg.Metadata.Get("user_id"))
		decoded, err := model.DecodeEnvelope(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, "hello", decoded.Text)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("published message never arrived")
	}
}

func TestDispatcherRejectsNilEnvelope(t *testing.T) {
	d := NewDispatcher(gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}))
	assert.Error(t, d.PublishChatMessage(context.Background(), nil))
}
