package core

import (
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/plugin"
	"github.com/wilsonzlin/aero/gateway/webrtc-signaling-gateway/internal/transport"
)

// Version of the gateway itself, reported by the info verb.
const (
	versionString = "1.0.0"
	versionInt    = 100
)

type pluginDescriptor struct {
	Name          string `json:"name"`
	Author        string `json:"author"`
	Description   string `json:"description"`
	Version       int    `json:"version"`
	VersionString string `json:"version_string"`
}

// serverInfo assembles the descriptor returned by the info verb on both
// channels.
func (g *Gateway) serverInfo() map[string]any {
	plugins := make(map[string]pluginDescriptor)
	for _, pkg := range g.plugins.Packages() {
		p, ok := g.plugins.Get(pkg)
		if !ok {
			continue
		}
		info := p.Info()
		plugins[pkg] = pluginDescriptor{
			Name:          info.Name,
			Author:        info.Author,
			Description:   info.Description,
			Version:       info.Version,
			VersionString: info.VersionString,
		}
	}

	transports := make(map[string]pluginDescriptor)
	g.transportsMu.RLock()
	for pkg, t := range g.transports {
		info := t.Info()
		transports[pkg] = pluginDescriptor{
			Name:          info.Name,
			Author:        info.Author,
			Description:   info.Description,
			Version:       info.Version,
			VersionString: info.VersionString,
		}
	}
	g.transportsMu.RUnlock()

	return map[string]any{
		"name":            g.cfg.ServerName,
		"version":         versionInt,
		"version_string":  versionString,
		"plugin_api":      plugin.APIVersion,
		"transport_api":   transport.APIVersion,
		"session-timeout": g.rt.SessionTimeout(),
		"full-trickle":    g.cfg.FullTrickle,
		"auth_secret":     g.cfg.APISecret != "",
		"auth_token":      g.gate.TokenAuthEnabled(),
		"plugins":         plugins,
		"transports":      transports,
	}
}
