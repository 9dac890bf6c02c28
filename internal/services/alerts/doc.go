// Package alerts turns dispatched report batches into notifications.
//
// The pipeline is asynchronous: a bus consumer matches reports against
// rules (task name glob, minimum level, optional sustained count) and
// enqueues one job per matched channel; a worker pool delivers jobs
// through channel senders with per-channel rate limiting, bounded
// retries and a dedup window so a flapping probe cannot flood a chat.
package alerts
