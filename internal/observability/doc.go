// Package observability builds the structured zap logger shared by the API
// server and the escalation worker.
package observability
