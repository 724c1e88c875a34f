// Package job defines the escrowed Job entity, its derived lifecycle
// status, and the persistence contract for job records.
//
// A job's status is never stored: it is derived from the assigned worker,
// the refunded vesting time, and elapsed time against the fixed duration.
// A job that overruns its duration reports Ended lazily on the next read;
// nothing in the system has to notice the boundary crossing. Jobs are
// never deleted — history is retained for audit and query.
package job
