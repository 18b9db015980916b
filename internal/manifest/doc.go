// Package manifest persists the list of cached builds as a single JSON document.
//
// The Store holds no locks. The build cache owns the in-memory copy and
// serializes every mutation before asking the Store to overwrite the file.
package manifest
