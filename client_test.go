package mmate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type printMessage struct {
	Text string `json:"text" validate:"required"`
}

func printRegistry(t *testing.T) *messaging.Registry {
	t.Helper()
	registry, err := messaging.NewRegistry(
		messaging.Register("message_print", messaging.HandlerOf(
			func(ctx context.Context, msg printMessage) (string, error) {
				return "Message received by Consumer!", nil
			})),
		messaging.Register("fail", messaging.HandlerOf(
			func(ctx context.Context, msg json.RawMessage) (string, error) {
				return "", errors.New("boom")
			})),
	)
	require.NoError(t, err)
	return registry
}

func startConsumer(t *testing.T, broker *memory.Broker, opts ...ClientOption) *Client {
	t.Helper()
	consumer := NewClient(memory.New(broker), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Serve(ctx, printRegistry(t))
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		_ = consumer.Close()
	})
	return consumer
}

func TestClientDefaults(t *testing.T) {
	client := NewClient(memory.New(memory.NewBroker()))
	defer client.Close()

	assert.Equal(t, "main_queue", client.Queue())
	assert.Equal(t, "main_queue", client.Publisher().Queue())
	assert.NotNil(t, client.Transport())
	assert.False(t, QueueDurable)
}

func TestClientSendMessagePrint(t *testing.T) {
	broker := memory.NewBroker()
	startConsumer(t, broker)

	producer := NewClient(memory.New(broker), WithRequestTimeout(2*time.Second))
	defer producer.Close()

	reply, err := producer.Send(context.Background(), "message_print", printMessage{Text: "Hello from Producer!"})
	require.NoError(t, err)
	assert.JSONEq(t, `"Message received by Consumer!"`, string(reply))
	assert.Zero(t, producer.Publisher().Pending())
}

func TestClientSendHandlerFailure(t *testing.T) {
	broker := memory.NewBroker()
	startConsumer(t, broker)

	producer := NewClient(memory.New(broker))
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := producer.Send(ctx, "fail", map[string]string{})

	var handlerErr *messaging.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, "fail", handlerErr.Pattern)
	assert.Contains(t, handlerErr.Message, "boom")
}

func TestClientSendTimesOutWithoutConsumer(t *testing.T) {
	producer := NewClient(memory.New(memory.NewBroker()), WithRequestTimeout(50*time.Millisecond))
	defer producer.Close()

	_, err := producer.Send(context.Background(), "message_print", printMessage{Text: "x"})

	assert.True(t, messaging.IsTimeout(err))
	assert.Zero(t, producer.Publisher().Pending())
}

func TestClientEmit(t *testing.T) {
	broker := memory.NewBroker()
	producer := NewClient(memory.New(broker), WithQueue("events"))
	defer producer.Close()

	require.NoError(t, producer.Emit(context.Background(), "message_print", printMessage{Text: "hi"}))
	assert.Equal(t, 1, broker.Published("events"))
}

func TestClientClose(t *testing.T) {
	client := NewClient(memory.New(memory.NewBroker()))

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Send(context.Background(), "message_print", printMessage{Text: "x"})
	assert.ErrorIs(t, err, messaging.ErrPublisherClosed)

	err = client.Emit(context.Background(), "message_print", printMessage{Text: "x"})
	assert.ErrorIs(t, err, messaging.ErrPublisherClosed)
}
