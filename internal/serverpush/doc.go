// Package serverpush delivers the server-scope effects of a committed batch.
//
// Server pushes are fire-and-report: a failure is recorded per (update, server)
// pair and never rolls back the domain or host tier.
package serverpush
