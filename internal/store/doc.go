// Package store persists the signing audit trail using SQLite.
//
// The audit log answers "which agent signed with which key, and when"
// after the fact. Each sign request and each identity refresh becomes one
// row in the events table. Key material never touches the database: keys
// are identified only by the SHA256 fingerprint of their public blob.
//
// The database is opened in WAL mode and the schema is created on first
// open, so a fresh path needs no setup step.
package store
