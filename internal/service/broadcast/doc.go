// Package broadcast fans progress events out to any number of subscribers
// without ever blocking the publisher.
//
// Every subscription owns a bounded buffer. When the buffer is full the
// oldest pending event is dropped to make room (drop-oldest policy), so a
// slow or stalled consumer loses history but never delays the pipeline and
// always receives the most recent events, including the terminal one.
// Ordering is preserved per subscriber.
package broadcast
