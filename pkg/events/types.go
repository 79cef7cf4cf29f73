// Package events defines the registry change event and its publishers.
package events

// ServiceChangedEvent is emitted whenever a service descriptor is registered,
// either new or replacing an earlier one.
type ServiceChangedEvent struct {
	Service      string   `json:"service"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities"`
	// Replaced is true when an earlier descriptor for the same name existed.
	Replaced bool `json:"replaced"`
	// Source says where the descriptor came from: "announcement" or "bootstrap".
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// Event sources.
const (
	SourceAnnouncement = "announcement"
	SourceBootstrap    = "bootstrap"
)
