// Package storage is the durable layer behind the quota ledger and the task
// store: a users table (permission + daily quota), a tasks table (auto-like
// registrations), and a meta table holding the process-wide last-reset date.
package storage
