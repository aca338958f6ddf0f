/*
Package identity implements long-term signing identities (ed25519 key
pairs keyed by a stable Identifier), the credentials an authority
issues over a subject's attributes, trust policies evaluated after a
secure-channel handshake, and the bbolt-backed repositories that hold
key material and one-time enrollment tokens.

Private key material is sealed at rest with SecretBox, a NaCl
secretbox (XSalsa20-Poly1305) construction.
*/
package identity
