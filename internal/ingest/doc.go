// Package ingest reads record batches and turns them into compounds and
// planned tasks.
package ingest
