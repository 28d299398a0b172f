// Package notifier delivers short operator messages (session outcomes and
// log alerts) to the configured notification channels.
//
// # Channels
//
// Each channel is a {name, config} pair. The name selects a Sender factory
// from the Registry ("telegram", "pushplus", "webhook"); config carries the
// sender-specific keys. Channels fail independently: one broken channel never
// prevents delivery to the others.
//
// # Pipeline
//
// Notify enqueues one job per enabled channel. A small worker pool drains
// the queue under a shared rate limit, retries failed sends with jittered
// exponential backoff and suppresses duplicates inside a dedup window
// (optionally persisted through internal/storage so restarts do not resend).
//
// # History
//
// For operator visibility, the service keeps a small in-memory history of
// recently delivered messages.
package notifier
