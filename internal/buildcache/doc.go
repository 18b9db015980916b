// Package buildcache owns the local build cache: the manifest, one download
// lock per build id and the per-build directories under the cache root.
//
// Lookups return an explicit (path, found, err) triple so a cache miss is never
// confused with a failure. Every manifest change is written to disk before it
// becomes visible in memory.
package buildcache
