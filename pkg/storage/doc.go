/*
Package storage provides the bbolt-backed key/value primitive that the
abac and identity packages build their repositories on.

It deliberately knows nothing about policies, credentials, or tokens —
DB exposes Put/Get/Delete/ForEach over caller-supplied bucket names and
JSON-encoded values, with no entity types baked in. Each repository
package opens its own buckets and owns its own encoding.
*/
package storage
