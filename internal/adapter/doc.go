/*
Package adapter assembles one read-only mount from its configuration.

The Adapter builds the components in dependency order and owns their lifecycle:

	┌─────────────────────────────────────────────┐
	│                  cmd/s3fuse                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                ADAPTER LAYER                │ ← This Package
	│  session, wiring, start and stop ordering   │
	└─────────────────────────────────────────────┘
	        │           │            │          │
	┌───────┴───┐ ┌─────┴─────┐ ┌────┴────┐ ┌───┴─────┐
	│ S3 Backend│ │ Namespace │ │ Fetch + │ │ FUSE    │
	│           │ │ Index     │ │ Cache   │ │ mount   │
	└───────────┘ └───────────┘ └─────────┘ └─────────┘

# Construction

New validates the configuration, creates the metrics collector and the S3 backend, and
checks that the bucket exists and is reachable. A bucket failure is fatal: nothing is
mounted. NewWithStore skips the backend and serves any types.ObjectStore, which the
tests use with the in-memory store.

The mount session is derived from the configuration once. A negative uid or gid selects
the identity of the mounting process.

# Lifecycle

Start serves the metrics endpoint, when an address is configured, and mounts the
filesystem. Done is closed when the kernel side of the mount goes away.

Stop runs in a fixed order:

 1. In-flight and read-ahead fetches are canceled. Blocked reads return EINTR.
 2. The filesystem is unmounted.
 3. The metrics endpoint is shut down.
 4. The cache index is written and the cache directory unlocked.

Stop is safe to call without Start and more than once.

# Usage

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-a.Done()
	return a.Stop(context.Background())
*/
package adapter
