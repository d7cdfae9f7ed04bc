// Package mongo provides the durable switch log backend. The audit trail
// must outlive the ephemeral call session, so it lives in MongoDB rather
// than the session cache: entries written here survive session TTL expiry
// and Redis restarts.
package mongo
