// Package transport streams build archives over HTTP and reports progress.
//
// A single http.Client is shared process-wide and carries no overall timeout;
// callers bound a download through its context.
package transport
