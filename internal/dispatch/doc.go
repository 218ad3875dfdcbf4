// Package dispatch runs the asynchronous side of webhook ingestion.
//
// Workers claim webhook.event jobs from the durable queue. For each resource
// id in a job the dispatcher either deletes the local copy (delete events) or
// fetches the current state from the provider and upserts it, then marks the
// matching IngestedEvent processed.
//
// Retry policy:
//   - Each attempt runs under its own timeout (120s by default)
//   - At most 3 attempts, 60s apart; the retry time is stored on the job row
//     so a restart neither loses nor hurries it
//   - Unauthorized marks the account needs_refresh and is not retried
//   - Other 4xx responses except 408 and 429 are not retried
//   - 429 waits for the longer of the backoff and Retry-After
//
// When attempts run out the job is marked failed and its pending events are
// moved to error, where `events reprocess` can pick them up again.
//
// On start, jobs left running by a crash are requeued. A job interrupted by
// shutdown is requeued without consuming an attempt.
package dispatch
