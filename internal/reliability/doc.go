// Package reliability provides the backoff used when dialing the broker.
//
// Only connection establishment is retried. Publishes, subscriptions and
// correlated requests are attempted once and their failures reported to the
// caller.
//
//	policy := NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 4)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
