// Package archive extracts zip build archives into a cache directory.
//
// Every entry name and symlink target is validated before anything is written,
// so a single escaping entry rejects the whole archive. During the write phase
// each parent directory is re-resolved with securejoin to catch symlinks that
// already exist on disk.
package archive
