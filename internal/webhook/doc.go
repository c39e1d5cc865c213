// Package webhook is the public ingress listener: provider webhook
// receipt and the OAuth callback.
//
// # Request Flow
//
//	POST /webhooks/{provider}
//	  1. Unknown provider               -> 400 {"error":"unknown_provider"}
//	  2. Body over max_body_size        -> 413 {"error":"payload_too_large"}
//	  3. Signature missing or invalid   -> 401 {"error":"invalid_signature"}
//	  4. Verified body is not JSON      -> 400 {"error":"invalid_json"}
//	  5. Durable run enqueued           -> 200 {"status":"accepted","deliveryId":"..."}
//
// The raw body is verified before it is parsed. Nothing durable is written
// for a request rejected in steps 1 to 4. Per-installation signing secrets
// are looked up by the account id read from the unverified body; a body that
// names no known account fails verification.
//
// Request logging never includes payloads or signatures.
package webhook
