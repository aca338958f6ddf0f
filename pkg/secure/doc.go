// Package secure implements Noise-XX secure channels over the
// fabric's node/address/route model: a three-message ephemeral/
// static/signature handshake (handshake.go, built on the primitives in
// noise.go) that proves each side's long-term identity and derives a
// pair of directional ChaCha20-Poly1305 keys, followed by an optional
// credential presentation exchange and a transparent Encryptor/
// Decryptor worker pair (channel.go) that wraps and unwraps
// application traffic for the life of the channel. Manager
// (manager.go) drives channel setup from either side and Registry
// (registry.go) caches open channels by (peer identifier, peer
// multi-address) so repeated dials reuse an existing channel.
package secure
