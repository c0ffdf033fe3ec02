// Package watchdog implements the failure detectors of a connection.
//
// Liveness is the keepalive watchdog: it injects keepalive telegrams when the
// link has been quiet on the send side and counts down "souls" while nothing
// is received. Throughput measures realized send throughput, but only while
// the outbound queue is congested, and faults when it stays below a minimum.
//
// Both share one timer loop (Liveness.Run), which sleeps until whichever of
// the three deadlines fires first or until parameters change.
package watchdog
