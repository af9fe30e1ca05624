// Package registry provides a generic concurrent map used for the durable
// type table and the live object cache.
//
// Keys are spread over lock shards, so operations on different object ids
// rarely wait on each other.
//
// GetOrCreate inserts a value at most once per key and reports whether the
// caller's factory produced it:
//
//	entry, created := cache.GetOrCreate(id, newEntry)
//	if created {
//	    // this caller settles entry
//	}
//
// DeleteIf removes a key only while it still holds the value the caller
// observed, so a stale remover never evicts a newer entry:
//
//	cache.DeleteIf(id, func(cur *entry) bool { return cur == stale })
package registry
