// Package auth verifies the HS256 JWTs used by the gateway.
//
// # Agent identity
//
// A reverse agent may present a token in its Identity frame. The token's
// "sub" must equal the agent name, its "scope" must be "agent", and an
// optional "iid" claim pins it to one instance ID:
//
//	err := verifier.VerifyIdentity(identity)
//
// # Admin API
//
// RequireAdmin guards HTTP endpoints with bearer tokens whose scope is
// "admin". Verified claims are available to handlers through FromContext.
//
// Tokens for either use are minted with Generate, or with the
// `offload-gateway token` command.
package auth
