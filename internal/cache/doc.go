// Package cache implements TokenCache, the hot-path credential cache that
// sits in front of the durable CredentialStore.
//
// Entries expire after a TTL and the cache never holds more than MaxSize
// entries: inserting into a full cache evicts the least recently used entry.
// Expired entries are dropped lazily on Get and proactively by Cleanup, which
// the application runs on the scheduler every cleanup interval. Expirations
// and evictions are counted separately.
package cache
