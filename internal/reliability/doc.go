// Package reliability retries operations that fail while a broker is still
// coming up.
//
//	err := reliability.Retry(ctx, reliability.Policy{Attempts: 5, Base: time.Second}, func(ctx context.Context) error {
//	    return transport.Connect(ctx)
//	})
package reliability
