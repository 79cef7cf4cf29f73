package registry

import (
	"errors"
	"fmt"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/semver"
)

// Announcement is the wire shape a worker publishes to declare itself.
type Announcement struct {
	Service      string                  `json:"service"`
	Capabilities []string                `json:"capabilities"`
	Version      string                  `json:"version,omitempty"`
	Schemas      map[string]ActionSchema `json:"schemas,omitempty"`
}

// ActionSchema is the optional payload shape declared for one action.
type ActionSchema struct {
	Required []string `json:"required"`
}

// ErrMalformedAnnouncement wraps every ParseAnnouncement failure.
var ErrMalformedAnnouncement = errors.New("malformed announcement")

// ParseAnnouncement decodes and validates an announcement. It either returns
// a complete descriptor or an error; nothing partial is produced.
func ParseAnnouncement(data []byte) (ServiceDescriptor, error) {
	if _, err := commsutil.DecodeObject(data); err != nil {
		return ServiceDescriptor{}, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}

	var a Announcement
	if err := commsutil.DecodePayload(data, &a); err != nil {
		return ServiceDescriptor{}, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}
	return a.Descriptor()
}

// Descriptor validates the announcement and converts it.
func (a Announcement) Descriptor() (ServiceDescriptor, error) {
	if a.Service == "" {
		return ServiceDescriptor{}, fmt.Errorf("%w: service is required", ErrMalformedAnnouncement)
	}
	if !semver.ValidateServiceName(a.Service) {
		return ServiceDescriptor{}, fmt.Errorf("%w: invalid service name %q", ErrMalformedAnnouncement, a.Service)
	}
	if a.Capabilities == nil {
		return ServiceDescriptor{}, fmt.Errorf("%w: capabilities are required", ErrMalformedAnnouncement)
	}

	version, err := semver.NormalizeVersion(a.Version)
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}

	caps := make(map[string]Capability, len(a.Capabilities))
	for _, action := range a.Capabilities {
		if !semver.ValidateActionName(action) {
			return ServiceDescriptor{}, fmt.Errorf("%w: invalid action name %q", ErrMalformedAnnouncement, action)
		}
		caps[action] = Capability{Name: action}
	}

	for action, schema := range a.Schemas {
		c, ok := caps[action]
		if !ok {
			return ServiceDescriptor{}, fmt.Errorf("%w: schema for undeclared action %q", ErrMalformedAnnouncement, action)
		}
		c.Required = append([]string(nil), schema.Required...)
		caps[action] = c
	}

	return ServiceDescriptor{
		Name:         a.Service,
		Version:      version,
		Capabilities: caps,
	}, nil
}
