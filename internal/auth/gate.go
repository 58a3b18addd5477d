package auth

import (
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/apierror"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/protocol"
)

// Gate authorizes inbound control messages before they reach any verb
// handler.
//
// The client channel passes when no secret and no token system is configured,
// or when the message carries a matching `apisecret`, or when token auth is
// enabled and the `token` is accepted. The admin channel has its own secret
// and never falls back to tokens.
type Gate struct {
	apiSecret   SecretVerifier
	adminSecret SecretVerifier

	apiSecretSet   bool
	adminSecretSet bool

	tokens *TokenStore // nil when token auth is disabled
}

func NewGate(apiSecret, adminSecret string, tokens *TokenStore) *Gate {
	return &Gate{
		apiSecret:      SecretVerifier{Expected: apiSecret},
		adminSecret:    SecretVerifier{Expected: adminSecret},
		apiSecretSet:   apiSecret != "",
		adminSecretSet: adminSecret != "",
		tokens:         tokens,
	}
}

// TokenAuthEnabled reports whether the opaque-token system is active.
func (g *Gate) TokenAuthEnabled() bool { return g.tokens != nil }

// Tokens exposes the store for the admin token verbs. Nil when disabled.
func (g *Gate) Tokens() *TokenStore { return g.tokens }

// Check authorizes one message. A nil return means authorized.
func (g *Gate) Check(env *protocol.Envelope, admin bool) *apierror.Error {
	if admin {
		if !g.adminSecretSet {
			return nil
		}
		if g.adminSecret.Verify(env.AdminSecret) != nil {
			return apierror.New(apierror.Unauthorized)
		}
		return nil
	}

	if !g.apiSecretSet && g.tokens == nil {
		return nil
	}
	if g.apiSecretSet && g.apiSecret.Verify(env.APISecret) == nil {
		return nil
	}
	if g.tokens != nil && env.Token != "" && g.tokens.Valid(env.Token) {
		return nil
	}
	return apierror.New(apierror.Unauthorized)
}

// AllowPlugin is consulted at attach time: when token auth is on, the token
// must carry the plugin in its allow-list.
func (g *Gate) AllowPlugin(token, pkg string) bool {
	if g.tokens == nil {
		return true
	}
	return g.tokens.AllowedPlugin(token, pkg)
}
