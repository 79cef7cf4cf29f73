// Package registry holds the live table of services announced on the bus and
// the actions each one accepts.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/morezero/action-bridge/pkg/commsutil"
)

// Capability is one action a service accepts, with an optional payload shape.
type Capability struct {
	Name string `json:"name"`
	// Required lists top-level fields a payload must carry. Empty means any
	// payload is accepted.
	Required []string `json:"required,omitempty"`
}

// ServiceDescriptor is everything the bridge knows about one service.
// Descriptors are replaced whole; the registry never edits one in place.
type ServiceDescriptor struct {
	Name         string                `json:"name"`
	Version      string                `json:"version,omitempty"`
	Capabilities map[string]Capability `json:"capabilities"`
	Source       string                `json:"source,omitempty"`
	RegisteredAt time.Time             `json:"registeredAt"`
}

// NewDescriptor builds a descriptor accepting actions with no payload checks.
func NewDescriptor(name string, actions ...string) ServiceDescriptor {
	caps := make(map[string]Capability, len(actions))
	for _, a := range actions {
		caps[a] = Capability{Name: a}
	}
	return ServiceDescriptor{Name: name, Capabilities: caps}
}

// Capability returns the capability for action.
func (d ServiceDescriptor) Capability(action string) (Capability, bool) {
	c, ok := d.Capabilities[action]
	return c, ok
}

// Caters reports whether the service accepts action.
func (d ServiceDescriptor) Caters(action string) bool {
	_, ok := d.Capabilities[action]
	return ok
}

// ActionNames returns the accepted actions in sorted order.
func (d ServiceDescriptor) ActionNames() []string {
	names := make([]string, 0, len(d.Capabilities))
	for name := range d.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clone returns a deep copy so callers can never reach registry-owned maps.
func (d ServiceDescriptor) clone() ServiceDescriptor {
	out := d
	out.Capabilities = make(map[string]Capability, len(d.Capabilities))
	for name, c := range d.Capabilities {
		if c.Required != nil {
			c.Required = append([]string(nil), c.Required...)
		}
		out.Capabilities[name] = c
	}
	return out
}

// PayloadError reports a payload that does not fit a capability's shape.
type PayloadError struct {
	Action  string
	Missing []string
	// NotObject is set when the payload is not a JSON object at all.
	NotObject bool
}

func (e *PayloadError) Error() string {
	if e.NotObject {
		return fmt.Sprintf("payload for %s must be a JSON object", e.Action)
	}
	return fmt.Sprintf("payload for %s is missing required fields: %s", e.Action, strings.Join(e.Missing, ", "))
}

// CheckPayload verifies payload carries every required field. A capability
// with no required fields accepts anything, including null.
func (c Capability) CheckPayload(payload json.RawMessage) error {
	if len(c.Required) == 0 {
		return nil
	}

	fields, err := commsutil.DecodeObject(payload)
	if err != nil {
		return &PayloadError{Action: c.Name, NotObject: true}
	}

	var missing []string
	for _, name := range c.Required {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &PayloadError{Action: c.Name, Missing: missing}
	}
	return nil
}
