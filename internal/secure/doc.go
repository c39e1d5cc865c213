// Package secure holds the crypto primitives relaygate depends on: authenticated
// encryption for tokens at rest, keyed-hash webhook signatures, constant-time
// comparison, random tokens and short-lived app JWTs.
//
// Nothing here keeps external state. Every verification path returns a plain
// boolean or a generic error so callers cannot leak why a check failed.
package secure
