// Automod component for caching small values (strings, or JSON-encoded structs) with a fixed TTL and purging.
//
// Includes an interface and implementations using redis and in-process memory.
//
// This is used to remember member name resolutions, and (optionally) to remember recently recorded warnings for duplicate suppression.
package cachestore
