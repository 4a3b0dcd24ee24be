// Package cache defines the disk-backed, versioned response stores used by the
// gateway. A Storage owns StoragePath and hands out named Stores; each Store
// maps a request identity (host + path, query folded into the path) to a
// stored response made of a JSON metadata file and a body file:
//
//	<StoragePath>/<store>/<host>/<path>.meta
//	<StoragePath>/<store>/<host>/<path>.body
//
// Writes go through temp file + rename under a per-entry lock so readers never
// observe a half-written entry. Deleting a store through Storage invalidates
// every open handle, which keeps in-flight writers of an evicted version from
// resurrecting its directory.
package cache
