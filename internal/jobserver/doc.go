// Package jobserver implements a client for the make jobserver protocol: a
// fixed pool of one-byte tokens shared by a build coordinator and the tools
// it runs, used to bound how many jobs execute at once.
//
// A pool is either created fresh with New, which backs it with a regular
// file that emulates a pipe, or joined from a handoff string with FromString
// or FromEnv. Handoff strings take one of two forms:
//
//	fifo:PATH   a path every participant opens read/write
//	R,W         a pair of inherited descriptor numbers
//
// Token accounting:
//   - Available tokens equal the bytes resident in the store.
//   - Acquire consumes one byte, Release appends one byte.
//   - A token that is acquired and never released is lost for the life of
//     the store. Nothing reclaims it.
//   - Releasing without a matching acquire inflates the pool. Release(nil)
//     is only for the caller's implicit slot.
//
// Blocked acquirers are not woken in FIFO order.
package jobserver
