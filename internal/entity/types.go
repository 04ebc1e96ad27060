package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Type is the kind of an entity.
type Type string

// Entity types.
const (
	TypeMainDevice  Type = "device"
	TypeChildDevice Type = "child-device"
	TypeService     Type = "service"
)

// ParseType validates an @type value.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeMainDevice, TypeChildDevice, TypeService:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, s)
	}
}

// Metadata is what the registry knows about an entity.
type Metadata struct {
	TopicID    TopicID  `json:"@topic-id"`
	ExternalID string   `json:"@id,omitempty"`
	Type       Type     `json:"@type"`
	Parent     *TopicID `json:"@parent,omitempty"`
	Health     string   `json:"@health,omitempty"`

	// Twin holds the twin fragments. They are served on their own channel
	// and never marshalled with the metadata.
	Twin map[string]json.RawMessage `json:"-"`
}

// Clone returns a deep copy so callers outside the registry goroutine never
// share maps with it.
func (m *Metadata) Clone() *Metadata {
	c := *m
	if m.Parent != nil {
		p := *m.Parent
		c.Parent = &p
	}
	if m.Twin != nil {
		c.Twin = make(map[string]json.RawMessage, len(m.Twin))
		for k, v := range m.Twin {
			c.Twin[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// SameRegistration reports whether two metadata carry the same
// registration, ignoring twin data.
func (m *Metadata) SameRegistration(o *Metadata) bool {
	if m.TopicID != o.TopicID || m.ExternalID != o.ExternalID || m.Type != o.Type || m.Health != o.Health {
		return false
	}
	switch {
	case m.Parent == nil && o.Parent == nil:
		return true
	case m.Parent == nil || o.Parent == nil:
		return false
	default:
		return *m.Parent == *o.Parent
	}
}

// Registration is an entity registration request, as received over HTTP or
// as a retained registration message on the bus. Every key that is not an
// @-prefixed metadata key becomes initial twin data.
type Registration struct {
	TopicID    TopicID
	ExternalID string
	Type       Type
	Parent     *TopicID
	Health     string
	Twin       map[string]json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler. A missing @topic-id leaves
// TopicID zero; the caller decides whether that is an error.
func (r *Registration) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("registration must be a JSON object")
	}

	var out Registration
	for k, v := range raw {
		switch k {
		case "@topic-id":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("@topic-id: %w", err)
			}
			id, err := ParseTopicID(s)
			if err != nil {
				return err
			}
			out.TopicID = id
		case "@id":
			if err := json.Unmarshal(v, &out.ExternalID); err != nil {
				return fmt.Errorf("@id: %w", err)
			}
		case "@type":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("@type: %w", err)
			}
			t, err := ParseType(s)
			if err != nil {
				return err
			}
			out.Type = t
		case "@parent":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("@parent: %w", err)
			}
			p, err := ParseTopicID(s)
			if err != nil {
				return err
			}
			out.Parent = &p
		case "@health":
			if err := json.Unmarshal(v, &out.Health); err != nil {
				return fmt.Errorf("@health: %w", err)
			}
		default:
			if strings.HasPrefix(k, "@") {
				continue
			}
			if out.Twin == nil {
				out.Twin = make(map[string]json.RawMessage)
			}
			out.Twin[k] = v
		}
	}
	*r = out
	return nil
}

// MarshalJSON renders the registration message published on the bus.
func (r Registration) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Twin)+5)
	for k, v := range r.Twin {
		obj[k] = v
	}
	obj["@topic-id"] = r.TopicID.String()
	obj["@type"] = r.Type
	if r.ExternalID != "" {
		obj["@id"] = r.ExternalID
	}
	if r.Parent != nil {
		obj["@parent"] = r.Parent.String()
	}
	if r.Health != "" {
		obj["@health"] = r.Health
	}
	return json.Marshal(obj)
}

// ApplyDefaults fills in the entity type and parent when they were not
// given. Services default to their device, child devices to the main
// device.
func (r *Registration) ApplyDefaults() {
	if r.Type == "" {
		switch {
		case r.TopicID == MainDevice:
			r.Type = TypeMainDevice
		case isServiceID(r.TopicID):
			r.Type = TypeService
		default:
			r.Type = TypeChildDevice
		}
	}
	if r.Parent != nil || r.Type == TypeMainDevice {
		return
	}
	parent := MainDevice
	if r.Type == TypeService {
		if p, ok := r.TopicID.DefaultServiceParent(); ok {
			parent = p
		}
	}
	r.Parent = &parent
}

func isServiceID(id TopicID) bool {
	_, ok := id.DefaultServiceParent()
	return ok
}

// Metadata converts the registration, twin data excluded.
func (r *Registration) Metadata() *Metadata {
	m := &Metadata{
		TopicID:    r.TopicID,
		ExternalID: r.ExternalID,
		Type:       r.Type,
		Health:     r.Health,
	}
	if r.Parent != nil {
		p := *r.Parent
		m.Parent = &p
	}
	return m
}

// RegistrationOf is the inverse of Registration.Metadata.
func RegistrationOf(m *Metadata) Registration {
	r := Registration{
		TopicID:    m.TopicID,
		ExternalID: m.ExternalID,
		Type:       m.Type,
		Health:     m.Health,
	}
	if m.Parent != nil {
		p := *m.Parent
		r.Parent = &p
	}
	return r
}

// DefaultExternalID derives an external id from the main device external
// id, e.g. "edge01:device:child1" for "device/child1//".
func DefaultExternalID(mainExternalID string, id TopicID) string {
	parts := []string{mainExternalID}
	for _, s := range id.segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Update is a partial metadata update (HTTP PATCH).
type Update struct {
	Parent *TopicID `json:"@parent,omitempty"`
	Health *string  `json:"@health,omitempty"`
}

// ValidateTwinKey rejects keys that are empty, contain '/' or start with
// '@'.
func ValidateTwinKey(key string) error {
	if key == "" || strings.Contains(key, "/") || strings.HasPrefix(key, "@") {
		return &InvalidTwinKeyError{Key: key}
	}
	return nil
}

// IsNull reports whether a raw JSON value is absent or null.
func IsNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}
