// Package secrets encrypts federation secrets (OIDC client secrets) for
// at-rest storage.
//
// Values are sealed with AES-256-GCM under a service-wide key; the random
// nonce is prepended to the ciphertext and the whole blob is base64 encoded
// so it can live in a text column. Decryption happens only at the moment a
// secret is needed (token exchange), never on read paths that merely list
// configuration.
package secrets
