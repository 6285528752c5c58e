// Package cache implements the compiled module cache and the dependency
// package cache.
//
// # Module cache
//
// Artifacts are keyed by "<content-hash>-<compiler-id>" and looked up through
// three tiers:
//
//	View         per-goroutine map, unsynchronized
//	ModuleCache  optional process-wide map behind a RWMutex
//	disk         <dir>/<key>.bin, zstd-compressed msgpack envelope
//
// A hit in a lower tier is promoted into the tiers above it. A miss never
// compiles; callers compile and Set. Disk errors are logged at debug level
// and never returned.
//
// # Package cache
//
// PackageCache serves fetched packages for DefaultPackageTTL. Entries added
// with Add have no timestamp and never go stale. When a refresh returns the
// same content and version, the existing package is kept and only its
// timestamp moves.
package cache
