// Package dedupe suppresses repeated delivery of the same message id within a
// bounded time window.
package dedupe
