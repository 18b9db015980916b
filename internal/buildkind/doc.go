// Package buildkind maps build identifiers onto cache directories.
//
// Each kind lives in its own subpackage and registers a Definition from init():
//  1. pick a unique Key and id Prefix;
//  2. parse the remainder into a display name and a single directory segment;
//  3. import the subpackage for side effects wherever Resolve is called.
//
// Identifiers that match no registered prefix are cached as releases under
// releases/<raw id>.
package buildkind
