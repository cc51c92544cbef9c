// Package engine schedules and executes tasks.
//
// The durable store is the only source of truth for task state. There is no
// authoritative in-process queue: a Scheduler selects runnable tasks from the
// store, marks them QUEUED for an owner, and a worker claims each one with a
// compare-and-swap before running it. Every transition out of RUNNING is a
// second compare-and-swap on (state, owner, trial count), so a worker whose
// lease was reaped cannot overwrite the outcome of the worker that replaced it.
//
// Flow for one task:
//
//  1. Scheduler.Plan creates TO_RUN tasks for a compound.
//  2. Scheduler.Select gates each candidate (unknown config, missing compound,
//     incomplete prerequisites) and marks survivors QUEUED.
//  3. Scheduler.Claim moves QUEUED to RUNNING under a lease of
//     timeout plus grace.
//  4. Pool.Execute runs the unit and records COMPLETED, ERROR, EXCEPTION or
//     TOO_MANY_TRIALS.
//  5. Completing a task releases dependents parked on it.
//
// Scheduler.Reap turns leases of crashed workers into timeout failures.
package engine
