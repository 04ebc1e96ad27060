package entity

import (
	"strings"
)

// segmentCount is the fixed number of segments of an entity topic id.
const segmentCount = 4

// TopicID identifies an entity. It is a value type: two ids are equal when
// all their segments are equal, so TopicID can be used as a map key.
type TopicID struct {
	segments [segmentCount]string
}

// MainDevice is the topic id of the device the agent runs on.
var MainDevice = TopicID{segments: [segmentCount]string{"device", "main", "", ""}}

// ParseTopicID parses "a/b/c/d". Missing trailing segments are padded with
// empty strings.
func ParseTopicID(s string) (TopicID, error) {
	parts := strings.Split(s, "/")
	if len(parts) > segmentCount {
		return TopicID{}, &TopicIDError{msg: "An entity topic identifier has at most 4 segments"}
	}

	var id TopicID
	for i, p := range parts {
		if strings.ContainsAny(p, "+#") {
			return TopicID{}, &TopicIDError{msg: "An entity topic identifier cannot contain MQTT wildcards"}
		}
		id.segments[i] = p
	}
	if id.IsZero() {
		return TopicID{}, &TopicIDError{msg: "An entity topic identifier cannot be empty"}
	}
	return id, nil
}

// MustParseTopicID is like ParseTopicID but panics on error. For tests and
// constants only.
func MustParseTopicID(s string) TopicID {
	id, err := ParseTopicID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// DeviceTopicID returns the id of the device named name ("device/<name>//").
func DeviceTopicID(name string) TopicID {
	return TopicID{segments: [segmentCount]string{"device", name, "", ""}}
}

// String returns the id in its "a/b/c/d" form.
func (id TopicID) String() string {
	return strings.Join(id.segments[:], "/")
}

// IsZero reports whether all segments are empty.
func (id TopicID) IsZero() bool {
	return id == TopicID{}
}

// Segment returns the i-th segment (0-based).
func (id TopicID) Segment(i int) string {
	if i < 0 || i >= segmentCount {
		return ""
	}
	return id.segments[i]
}

// DefaultDeviceName returns the device name of ids following the default
// "device/<name>//" layout.
func (id TopicID) DefaultDeviceName() (string, bool) {
	if id.segments[0] != "device" || id.segments[1] == "" || id.segments[2] != "" || id.segments[3] != "" {
		return "", false
	}
	return id.segments[1], true
}

// DefaultServiceParent returns "device/<name>//" for ids of the form
// "device/<name>/service/<svc>".
func (id TopicID) DefaultServiceParent() (TopicID, bool) {
	if id.segments[0] != "device" || id.segments[1] == "" || id.segments[2] != "service" || id.segments[3] == "" {
		return TopicID{}, false
	}
	return DeviceTopicID(id.segments[1]), true
}

// MarshalText implements encoding.TextMarshaler.
func (id TopicID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TopicID) UnmarshalText(b []byte) error {
	parsed, err := ParseTopicID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
