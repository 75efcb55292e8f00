// Package jobstore persists analytics jobs in SQLite.
//
// The store owns the jobs table and its embedded schema. Writers go through a
// retry-on-busy helper so short lock contention between the engine goroutines
// and API readers resolves without surfacing errors. Status transitions are
// guarded in SQL: terminal jobs never change status again and progress never
// regresses while a job is processing.
package jobstore
