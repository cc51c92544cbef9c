// Package harness runs scenario files against a real store, scheduler,
// executor pool and aggregator.
//
// # Scenario Format
//
//	name: exclusion
//	description: "A record excluded from one policy stays in the other"
//	declarations: |
//	  policy: A: {}
//	  policy: B: {}
//	  config: "count-a": {unit: "count", policies: ["A"]}
//	units:
//	  flaky: {fail_trials: 2, outcome: error, result: {ok: true}}
//	steps:
//	  - ingest:
//	      - {id: t1, entity_id: E, timestamp: 2026-01-01T00:00:00Z}
//	  - run: {workers: 2}
//	  - review: {reviewer: summary}
//	  - reset: {entity: E, config: count-a}
//	assertions:
//	  - {type: task_state, entity: E, config: count-a, state: COMPLETED}
//	  - {type: compound_count, entity: E, count: 2}
//	  - {type: compound_members, entity: E, policy: A, members: [t1]}
//	  - {type: journal_count, tag: summary, scope: run, count: 1}
//
// declarations holds inline CUE; declarations_dir names a directory of CUE
// files relative to the scenario file. Built-in units are always
// registered; units adds scripted ones that fail their first fail_trials
// trials with the given outcome (error, exception, panic or timeout) and
// then return result.
//
// # Deterministic Testing
//
// Every scenario runs in a fresh in-memory database with a fixed clock, a
// zero retry backoff and sequential run ids. The trace holds no timestamps
// and hashes are redacted, so it can be compared against a golden file
// with RunWithGolden.
package harness
