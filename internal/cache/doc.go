/*
Package cache implements the two-tier cache: a small in-process L1 map in
front of the shared remote L2 tier.

L1 entries are best-effort, time-bounded mirrors of L2 values. They expire by
a short freshness window and by insertion-order eviction once the map exceeds
its configured item count. FIFO is deliberate: at a freshness horizon of a few
seconds, access-order bookkeeping buys nothing.

All L2 traffic flows through the read/write circuit breakers. Reads never
surface store failures to the caller; they degrade to a miss. Writes always
land in L1 and only report an error when the store fails for a reason other
than an open circuit.
*/
package cache
