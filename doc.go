// Package redispatch routes redis commands and single-slot pipelines to the
// cluster shard owning their keys. It keeps a versioned snapshot of the
// slot-to-node mapping, refreshed on demand through a single-writer monitor,
// and pools connections per node.
//
// The package handles the cluster redirection vocabulary itself: ASK is
// followed inline within the call, while MOVED, CLUSTERDOWN and connection
// loss request a topology refresh and surface ErrRetry. Retry scheduling is
// deliberately left to the caller; the package never sleeps and never
// retries on its own, so an outer loop with bounded attempts and backoff
// composes cleanly on top.
//
// All methods on a Client are safe for concurrent use.
package redispatch
