// Package crypto implements the payload protection used by encrypted
// VaultSandbox inboxes.
//
// Each inbox owns an ML-KEM-768 keypair. The server encapsulates a shared
// secret to the inbox public key, derives an AES-256-GCM key with
// HKDF-SHA-512 and signs the whole envelope with ML-DSA-65. Clients pin
// the server signing key when the inbox is created and must verify the
// signature against it before decrypting; [Open] does both.
package crypto
