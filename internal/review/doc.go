// Package review aggregates task outcomes into journal entries.
//
// An Aggregator streams the tasks matching a Selection to a Reviewer. The
// reviewer answers each item with an optional Tweak, recorded as an
// entity-scoped journal entry, and answers once at the end with an optional
// Tweak recorded as a single run-scoped entry.
package review
