package registry

import (
	"errors"
	"testing"
)

func TestParseAnnouncement(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     bool
		wantService string
		wantActions []string
		wantVersion string
	}{
		{
			name:        "minimal",
			input:       `{"service":"svc1","capabilities":["ping"]}`,
			wantService: "svc1",
			wantActions: []string{"ping"},
		},
		{
			name:        "duplicate actions collapse",
			input:       `{"service":"svc1","capabilities":["ping","pong","ping"]}`,
			wantService: "svc1",
			wantActions: []string{"ping", "pong"},
		},
		{
			name:        "empty capability list",
			input:       `{"service":"idle","capabilities":[]}`,
			wantService: "idle",
			wantActions: []string{},
		},
		{
			name:        "version normalized",
			input:       `{"service":"svc1","capabilities":["ping"],"version":"v1.2"}`,
			wantService: "svc1",
			wantActions: []string{"ping"},
			wantVersion: "1.2.0",
		},
		{
			name:        "unknown fields ignored",
			input:       `{"service":"svc1","capabilities":["ping"],"extra":{"a":1}}`,
			wantService: "svc1",
			wantActions: []string{"ping"},
		},
		{name: "not json", input: `hello`, wantErr: true},
		{name: "array", input: `["svc1"]`, wantErr: true},
		{name: "missing service", input: `{"capabilities":["ping"]}`, wantErr: true},
		{name: "missing capabilities", input: `{"service":"svc1"}`, wantErr: true},
		{name: "capabilities wrong type", input: `{"service":"svc1","capabilities":"ping"}`, wantErr: true},
		{name: "bad service name", input: `{"service":"-svc","capabilities":["ping"]}`, wantErr: true},
		{name: "bad action name", input: `{"service":"svc1","capabilities":["pi ng"]}`, wantErr: true},
		{name: "dotted service name", input: `{"service":"home.lights","capabilities":["on"]}`, wantErr: true},
		{name: "dotted action name", input: `{"service":"lights","capabilities":["set.level"]}`, wantErr: true},
		{name: "bad version", input: `{"service":"svc1","capabilities":["ping"],"version":"one"}`, wantErr: true},
		{name: "schema for undeclared action", input: `{"service":"svc1","capabilities":["ping"],"schemas":{"pong":{"required":["a"]}}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := ParseAnnouncement([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("registry:announcement_test - expected error, got %+v", desc)
				}
				if !errors.Is(err, ErrMalformedAnnouncement) {
					t.Errorf("registry:announcement_test - error %v does not wrap ErrMalformedAnnouncement", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("registry:announcement_test - unexpected error: %v", err)
			}
			if desc.Name != tt.wantService {
				t.Errorf("registry:announcement_test - Name = %q, want %q", desc.Name, tt.wantService)
			}
			if desc.Version != tt.wantVersion {
				t.Errorf("registry:announcement_test - Version = %q, want %q", desc.Version, tt.wantVersion)
			}
			got := desc.ActionNames()
			if len(got) != len(tt.wantActions) {
				t.Fatalf("registry:announcement_test - actions = %v, want %v", got, tt.wantActions)
			}
			for i := range got {
				if got[i] != tt.wantActions[i] {
					t.Errorf("registry:announcement_test - actions = %v, want %v", got, tt.wantActions)
				}
			}
		})
	}
}

func TestParseAnnouncement_Schemas(t *testing.T) {
	desc, err := ParseAnnouncement([]byte(`{
		"service": "lights",
		"capabilities": ["on", "off"],
		"schemas": {"on": {"required": ["room", "level"]}}
	}`))
	if err != nil {
		t.Fatalf("registry:announcement_test - unexpected error: %v", err)
	}

	on, _ := desc.Capability("on")
	if len(on.Required) != 2 || on.Required[0] != "room" {
		t.Errorf("registry:announcement_test - on.Required = %v", on.Required)
	}
	off, _ := desc.Capability("off")
	if len(off.Required) != 0 {
		t.Errorf("registry:announcement_test - off.Required = %v, want none", off.Required)
	}
}
