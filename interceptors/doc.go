// Package interceptors wraps handler invocation with cross-cutting concerns.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs handler execution with timing information
//   - RecoveryInterceptor: converts panics into *PanicError
//   - TimeoutInterceptor: bounds handler execution with a deadline
//
// Example usage:
//
//	chain := interceptors.NewChain(
//		interceptors.NewRecoveryInterceptor(),
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(10*time.Second),
//	)
//
//	result, err := chain.Execute(ctx, env, handler)
//
// Interceptors run in the order they were added, the final handler last.
package interceptors
