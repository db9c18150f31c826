// Package messaging implements pattern-addressed messaging over a broker
// Transport.
//
//   - Publisher: Emit (fire-and-forget) and Send (request/reply correlated
//     by a generated correlation ID on a private reply subscription)
//   - Dispatcher: receives envelopes from a queue, looks up the handler by
//     exact pattern match and publishes the reply for requests
//   - Registry: the immutable pattern to handler table built at startup
//
// A Transport is owned by the caller and injected into both Publisher and
// Dispatcher; several of each may share one Transport.
//
// Example usage:
//
//	registry, err := messaging.NewRegistry(
//		messaging.Register("message_print", messaging.HandlerOf(
//			func(ctx context.Context, msg PrintMessage) (string, error) {
//				return "Message received by Consumer!", nil
//			})),
//	)
//
//	dispatcher := messaging.NewDispatcher(transport, registry)
//	go dispatcher.Serve(ctx, "main_queue")
//
//	publisher := messaging.NewPublisher(transport, "main_queue",
//		messaging.WithRequestTimeout(10*time.Second))
//	reply, err := messaging.Request[PrintMessage, string](ctx, publisher,
//		"message_print", PrintMessage{Text: "Hello from Producer!"})
//
// Handler failures are answered with an error reply; Send then returns a
// *HandlerError. A Send that gets no reply before its deadline returns a
// *RequestError wrapping ErrRequestTimeout.
package messaging
