// Package progress batches crawl outcome events off the worker path and fans
// them out to sinks. Emit never blocks a crawl task; when the buffer is full
// the event is dropped and counted.
package progress
