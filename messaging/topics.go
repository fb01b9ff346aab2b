package messaging

import (
	"strings"

	"github.com/coreos/fedmsg-go/contracts"
)

// FinishedSuffix marks the response topic of a request/response pair.
const FinishedSuffix = "finished"

// TopicScheme derives topics from message types and environments:
//
//	{Prefix}.{env}.{RequestDomain}.{request_type}[.finished]
//	{Prefix}.{env}.{BroadcastDomain}.{broadcast_type}
type TopicScheme struct {
	Prefix          string
	RequestDomain   string
	BroadcastDomain string
}

// DefaultTopicScheme returns the Fedora CoreOS topic layout.
func DefaultTopicScheme() TopicScheme {
	return TopicScheme{
		Prefix:          "org.fedoraproject",
		RequestDomain:   "coreos.build.request",
		BroadcastDomain: "coreos",
	}
}

// RequestTopic is where requests of requestType are published.
func (s TopicScheme) RequestTopic(env contracts.Environment, requestType string) string {
	return join(s.Prefix, env.String(), s.RequestDomain, requestType)
}

// ResponseTopic is where workers publish responses to requestType.
func (s TopicScheme) ResponseTopic(env contracts.Environment, requestType string) string {
	return join(s.RequestTopic(env, requestType), FinishedSuffix)
}

// BroadcastTopic is where broadcasts of broadcastType are published.
func (s TopicScheme) BroadcastTopic(env contracts.Environment, broadcastType string) string {
	return join(s.Prefix, env.String(), s.BroadcastDomain, broadcastType)
}

func join(parts ...string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ".")
}
