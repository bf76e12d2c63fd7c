/*
Package metrics aggregates the coordination layer's operational counters.

Every component reports its operations, hits, misses, errors and degraded
outcomes to a single Collector. The counters are kept twice: as plain
in-process values exposed through Snapshot for programmatic inspection, and
as Prometheus metrics on a private registry, optionally served over HTTP for
scraping.
*/
package metrics
