package commsutil

import (
	"strings"
)

// Default topic roots. Topics are slash separated; transports map them onto
// their own naming (NATS subjects, AMQP routing keys, Kafka topics).
const (
	DefaultOutboundPrefix = "outbound"
	DefaultAnnounceTopic  = "announce"
	DefaultEventPrefix    = "bridge/events"
	DefaultReplyPrefix    = "inbound"
)

// Topics describes the topic layout the bridge publishes to and listens on.
type Topics struct {
	// OutboundPrefix roots request topics: <prefix>/<service>/<action>.
	OutboundPrefix string
	// AnnounceTopic is the well-known announcement topic. Sub-topics
	// (announce/<service>) are announcements too.
	AnnounceTopic string
	// EventPrefix roots registry change events published by the bridge.
	EventPrefix string
}

// DefaultTopics returns the default topic layout.
func DefaultTopics() Topics {
	return Topics{
		OutboundPrefix: DefaultOutboundPrefix,
		AnnounceTopic:  DefaultAnnounceTopic,
		EventPrefix:    DefaultEventPrefix,
	}
}

// WithDefaults fills empty fields from DefaultTopics.
func (t Topics) WithDefaults() Topics {
	d := DefaultTopics()
	if t.OutboundPrefix == "" {
		t.OutboundPrefix = d.OutboundPrefix
	}
	if t.AnnounceTopic == "" {
		t.AnnounceTopic = d.AnnounceTopic
	}
	if t.EventPrefix == "" {
		t.EventPrefix = d.EventPrefix
	}
	t.OutboundPrefix = CleanTopic(t.OutboundPrefix)
	t.AnnounceTopic = CleanTopic(t.AnnounceTopic)
	t.EventPrefix = CleanTopic(t.EventPrefix)
	return t
}

// Request builds the request topic for a service action.
func (t Topics) Request(service, action string) string {
	return JoinTopic(t.OutboundPrefix, service, action)
}

// Event builds the change event topic for a service.
func (t Topics) Event(service string) string {
	return JoinTopic(t.EventPrefix, service)
}

// IsSelf reports whether topic is one the bridge itself publishes to.
func (t Topics) IsSelf(topic string) bool {
	topic = CleanTopic(topic)
	return hasRoot(topic, t.OutboundPrefix) || hasRoot(topic, t.EventPrefix)
}

// IsAnnouncement reports whether topic carries service announcements.
func (t Topics) IsAnnouncement(topic string) bool {
	return hasRoot(CleanTopic(topic), t.AnnounceTopic)
}

// ReplyTopic builds the topic a worker answers on: inbound/<service>/<action>.
// Any topic outside the self and announcement roots is accepted as a reply;
// this helper only gives workers a conventional place to publish.
func ReplyTopic(service, action string) string {
	return JoinTopic(DefaultReplyPrefix, service, action)
}

// JoinTopic joins topic segments with '/'.
func JoinTopic(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = CleanTopic(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}

// CleanTopic trims surrounding whitespace and slashes.
func CleanTopic(topic string) string {
	return strings.Trim(strings.TrimSpace(topic), "/")
}

// TopicToSubject maps a slash topic to a dotted NATS subject / AMQP routing key.
func TopicToSubject(topic string) string {
	return strings.ReplaceAll(CleanTopic(topic), "/", ".")
}

// SubjectToTopic maps a dotted subject back to a slash topic.
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func hasRoot(topic, root string) bool {
	if root == "" {
		return false
	}
	return topic == root || strings.HasPrefix(topic, root+"/")
}
