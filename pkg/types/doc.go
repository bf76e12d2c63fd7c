/*
Package types provides the core data structures shared across the coordination
layer.

This package is the foundation of the module: it defines the records exchanged
between the tiered cache, the priority queue, the stream bus, the rate limiter
and the stats collector, and it deliberately imports nothing from the rest of
the module so every other package can depend on it without cycles.

# Data Structures

Task:
A unit of deferred work held by the priority queue, carrying an opaque payload,
a priority score and an optional future visibility time.

Message:
A single entry in an append-only stream topic, carrying string fields and the
store-assigned monotonic id.

RateInfo:
The outcome of a sliding-window admission check, including the observed count
and the time at which the window resets.

StatsSnapshot:
A point-in-time aggregation of per-component counters and circuit breaker
states, returned by the coordinator's Stats call.
*/
package types
