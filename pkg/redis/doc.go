// Package redis provides the Redis connection helper used by the billing
// webhook dedupe store.
package redis
