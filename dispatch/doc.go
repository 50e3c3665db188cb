// Package dispatch moves job tracking onto an asynq queue so that a pool of
// workers, rather than the submitting process, observes jobs until they
// finish. Every lifecycle step is journalled in an interp.Store.
//
// Quick start:
//  1. Open a SQL DB, create interp.NewSQLStore(db) and call Migrate.
//  2. Create a Client with NewClient(redis, store, ...) and hand it submitted
//     jobs with EnqueueTracking.
//  3. Create a Processor with an interp.StatusSource (usually *interp.Client)
//     and call Start; it tracks each job and records every observation.
package dispatch
