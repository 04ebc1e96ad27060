package entity

import (
	"strings"
)

// Channel is a sub-resource of an entity. The set of channels is closed:
// MetadataChannel, TwinChannel, CommandChannel, CommandMetadataChannel,
// HealthChannel and OtherChannel.
type Channel interface {
	// path returns the channel part of a bus topic ("" for metadata).
	path() string
}

// MetadataChannel addresses the entity registration itself.
type MetadataChannel struct{}

// TwinChannel addresses one twin fragment, or all of them when
// FragmentKey is empty.
type TwinChannel struct {
	FragmentKey string
}

// CommandChannel addresses one command instance.
type CommandChannel struct {
	Operation string
	CmdID     string
}

// CommandMetadataChannel carries the capabilities of an operation.
type CommandMetadataChannel struct {
	Operation string
}

// HealthChannel carries the health status of an entity.
type HealthChannel struct{}

// OtherChannel is any channel the agent does not interpret.
type OtherChannel struct {
	Path string
}

func (MetadataChannel) path() string { return "" }

func (c TwinChannel) path() string {
	if c.FragmentKey == "" {
		return "twin"
	}
	return "twin/" + c.FragmentKey
}

func (c CommandChannel) path() string         { return "cmd/" + c.Operation + "/" + c.CmdID }
func (c CommandMetadataChannel) path() string { return "cmd/" + c.Operation }
func (HealthChannel) path() string            { return "status/health" }
func (c OtherChannel) path() string           { return c.Path }

// parseChannel maps the segments that follow an entity id on the bus.
func parseChannel(parts []string) Channel {
	switch {
	case len(parts) == 0:
		return MetadataChannel{}
	case len(parts) == 2 && parts[0] == "twin":
		return TwinChannel{FragmentKey: parts[1]}
	case len(parts) == 2 && parts[0] == "cmd":
		return CommandMetadataChannel{Operation: parts[1]}
	case len(parts) == 3 && parts[0] == "cmd":
		return CommandChannel{Operation: parts[1], CmdID: parts[2]}
	case len(parts) == 2 && parts[0] == "status" && parts[1] == "health":
		return HealthChannel{}
	default:
		return OtherChannel{Path: strings.Join(parts, "/")}
	}
}

// ParsePath parses the path of an entity store resource, i.e. whatever
// follows "/v1/entities/".
//
// Two or three segments are an entity id padded to four segments. Four
// segments may be followed by "twin" and an optional fragment key. Any
// other channel word yields an UnsupportedChannelError, and a twin path
// with more than one key segment yields an InvalidTwinKeyError. Malformed
// ids are reported as TopicIDError, anything else as ErrResourceNotFound.
func ParsePath(path string) (TopicID, Channel, error) {
	segs := strings.Split(path, "/")

	switch {
	case len(segs) == 2 || len(segs) == 3 || len(segs) == 4:
		id, err := topicIDFromSegments(segs)
		if err != nil {
			return TopicID{}, nil, err
		}
		return id, MetadataChannel{}, nil

	case len(segs) == 5 && segs[4] == "twin":
		id, err := topicIDFromSegments(segs[:4])
		if err != nil {
			return TopicID{}, nil, err
		}
		return id, TwinChannel{}, nil

	case len(segs) == 6 && segs[4] == "twin":
		id, err := topicIDFromSegments(segs[:4])
		if err != nil {
			return TopicID{}, nil, err
		}
		return id, TwinChannel{FragmentKey: segs[5]}, nil

	case len(segs) > 6 && segs[4] == "twin":
		return TopicID{}, nil, &InvalidTwinKeyError{Key: strings.Join(segs[5:], "/")}

	case len(segs) > 4:
		return TopicID{}, nil, &UnsupportedChannelError{Channel: segs[4]}

	default:
		return TopicID{}, nil, ErrResourceNotFound
	}
}

func topicIDFromSegments(segs []string) (TopicID, error) {
	return ParseTopicID(strings.Join(segs, "/"))
}
