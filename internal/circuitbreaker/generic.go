package circuitbreaker

import "context"

// CallWithResultTyped is a type-safe generic wrapper around CircuitBreaker.CallWithResult.
//
// Usage:
//
//	vec, err := circuitbreaker.CallWithResultTyped(cb, ctx, func(ctx context.Context) ([]float32, error) {
//	    return provider.Embed(ctx, text)
//	})
func CallWithResultTyped[T any](cb CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := cb.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if result == nil {
		var zero T
		return zero, nil
	}
	return result.(T), nil
}
