// Package bridge provides synchronous request-response over a
// fire-and-forget topic bus.
//
// A Correlator publishes a request carrying a fresh correlation id and
// waits for the first response on the matching ".finished" topic that
// echoes that id, or for the deadline, whichever comes first.
//
// Basic usage:
//
//	c, err := bridge.NewCorrelator(transport.Publisher(), transport.Subscriber())
//	if err != nil {
//	    return err
//	}
//
//	outcome, err := c.SendAndWait(ctx, "ostree-import", contracts.Production, body, bridge.DefaultImportTimeout)
//	if err != nil {
//	    return err // transport or serialization problem
//	}
//	if err := outcome.Err(); err != nil {
//	    return err // remote failure or timeout
//	}
//
// The correlator subscribes before it publishes, so a worker that answers
// immediately cannot be missed, and it always releases the subscription
// before returning.
package bridge
