package sinks

// Package sinks delivers dispatched report batches to outputs: the
// log, an in-memory history ring, Consul TTL checks, a websocket push
// endpoint, and an HTTP collector.
//
// Publish must never block the dispatcher, so network sinks queue
// batches onto a bounded channel and deliver from a worker goroutine.
// When the queue is full the oldest batch is dropped; diagnostics are
// only useful fresh.
