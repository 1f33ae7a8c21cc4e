package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublisherPublishAndReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "artifacts")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "artifacts-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub, err := New(client, nil)
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "artifacts", map[string]string{"url": "https://x.com/a"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	received := make(chan []byte, 1)
	recvCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg.Data:
			default:
			}
			stop()
		})
	}()

	select {
	case data := <-received:
		var got map[string]string
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "https://x.com/a", got["url"])
	case <-ctx.Done():
		t.Fatal("message not received")
	}
	stop()

	require.NoError(t, pub.Close())
}

func TestPublisherValidation(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)

	_, err = Dial(context.Background(), "", nil)
	require.Error(t, err)

	p := &Publisher{}
	_, err = p.Publish(context.Background(), "", "x")
	require.Error(t, err)
	_, err = p.Publish(context.Background(), "t", func() {})
	require.Error(t, err)
}
