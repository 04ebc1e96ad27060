package entity

import (
	"fmt"
	"strings"
)

// DefaultRoot is the bus root prefix used when none is configured.
const DefaultRoot = "te"

// Schema builds and parses bus topics below a root prefix.
type Schema struct {
	Root string
}

// NewSchema returns a Schema for root, falling back to DefaultRoot.
func NewSchema(root string) Schema {
	if root == "" {
		root = DefaultRoot
	}
	return Schema{Root: root}
}

// Topic returns the bus topic of a channel of an entity.
//
// Example: Topic(MainDevice, CommandChannel{"software_list", "1"}) returns
// "te/device/main///cmd/software_list/1".
func (s Schema) Topic(id TopicID, ch Channel) string {
	t := s.Root + "/" + id.String()
	if p := ch.path(); p != "" {
		t += "/" + p
	}
	return t
}

// Parse splits a bus topic into the entity id and the channel.
func (s Schema) Parse(topic string) (TopicID, Channel, error) {
	rest, ok := strings.CutPrefix(topic, s.Root+"/")
	if !ok {
		return TopicID{}, nil, fmt.Errorf("%w: %q is not below %q", ErrNotEntityTopic, topic, s.Root)
	}
	parts := strings.Split(rest, "/")
	if len(parts) < segmentCount {
		return TopicID{}, nil, fmt.Errorf("%w: %q", ErrNotEntityTopic, topic)
	}
	id, err := topicIDFromSegments(parts[:segmentCount])
	if err != nil {
		return TopicID{}, nil, fmt.Errorf("%w: %q: %v", ErrNotEntityTopic, topic, err)
	}
	return id, parseChannel(parts[segmentCount:]), nil
}

// ParseTopic is a shorthand for NewSchema(root).Parse(topic).
func ParseTopic(root, topic string) (TopicID, Channel, error) {
	return NewSchema(root).Parse(topic)
}

// CommandFilter returns the subscription filter matching every instance of
// operation op on every entity.
func (s Schema) CommandFilter(op string) string {
	return s.Root + "/+/+/+/+/cmd/" + op + "/+"
}

// EntityFilter returns the subscription filter matching entity
// registrations.
func (s Schema) EntityFilter() string {
	return s.Root + "/+/+/+/+"
}

// TwinFilter returns the subscription filter matching twin fragments.
func (s Schema) TwinFilter() string {
	return s.Root + "/+/+/+/+/twin/+"
}

// CommandTopic is a command instance topic split into its parts.
type CommandTopic struct {
	Root      string
	Target    TopicID
	Operation string
	CmdID     string
}

// ParseCommandTopic splits "<root>/<target>/cmd/<operation>/<cmd_id>". The
// root prefix is the first segment, whatever its value.
func ParseCommandTopic(topic string) (CommandTopic, bool) {
	root, _, ok := strings.Cut(topic, "/")
	if !ok || root == "" {
		return CommandTopic{}, false
	}
	id, ch, err := ParseTopic(root, topic)
	if err != nil {
		return CommandTopic{}, false
	}
	cmd, ok := ch.(CommandChannel)
	if !ok {
		return CommandTopic{}, false
	}
	return CommandTopic{Root: root, Target: id, Operation: cmd.Operation, CmdID: cmd.CmdID}, true
}

// String rebuilds the topic.
func (c CommandTopic) String() string {
	return NewSchema(c.Root).Topic(c.Target, CommandChannel{Operation: c.Operation, CmdID: c.CmdID})
}
