// Package bootstrap loads services to preload into the registry at startup,
// for workers that never announce themselves or before they first do.
package bootstrap

import "github.com/morezero/action-bridge/pkg/registry"

// BootstrapConfig is the root of a bootstrap file.
type BootstrapConfig struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	// Services use the announcement wire shape.
	Services []registry.Announcement `json:"services"`
}
