// Package fetch downloads server-pack archives and verifies them against the
// digest published by the provider.
//
// Archives land at {downloads}/{file_id}.zip. Bytes are hashed while they are
// written to a .part file, which is renamed into place only after the digest
// matches. An existing archive for the same id is reused only after it has
// been verified again.
package fetch
