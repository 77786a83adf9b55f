// Package app is the composition root of the encryption subsystem.
//
// Responsibilities:
// - Build the sanitized logger, metrics registry and key-store backend from config.
// - Wire the key store, optional at-rest sealer and channel manager together.
//
// Non-responsibilities:
// - Cryptography, persistence formats and channel semantics live in their own packages.
package app
