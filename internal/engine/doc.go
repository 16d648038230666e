// Package engine provides the asynchronous task engine. Submissions are
// recorded as pending and queued; a dispatcher drains the queue one task at a
// time per worker, runs each handler through an executor under a per-task
// deadline, and writes the outcome back to the store where callers poll it.
package engine
