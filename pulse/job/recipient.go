package job

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/teranos/jobsvc/errors"
)

// Kind discriminates the Recipient union.
type Kind string

const (
	KindHTTP  Kind = "http"
	KindTopic Kind = "topic"
)

// Recipient is where a firing delivers its payload. Exactly one of HTTP or
// Topic is set, matching Kind.
type Recipient struct {
	Kind  Kind
	HTTP  *HTTPRecipient
	Topic *TopicRecipient
}

// HTTPRecipient calls a URL. A JSON string payload is sent as text/plain,
// any other JSON value as application/json.
type HTTPRecipient struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

// TopicRecipient publishes the payload as a message value on a topic.
type TopicRecipient struct {
	Topic   string          `json:"topic"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewHTTPRecipient is a convenience constructor used by tests and the CLI.
func NewHTTPRecipient(url string, payload json.RawMessage) Recipient {
	return Recipient{Kind: KindHTTP, HTTP: &HTTPRecipient{URL: url, Method: http.MethodPost, Payload: payload}}
}

// NewTopicRecipient is a convenience constructor used by tests and the CLI.
func NewTopicRecipient(topic string, payload json.RawMessage) Recipient {
	return Recipient{Kind: KindTopic, Topic: &TopicRecipient{Topic: topic, Payload: payload}}
}

// Payload returns the raw payload regardless of kind.
func (r Recipient) Payload() json.RawMessage {
	switch r.Kind {
	case KindHTTP:
		if r.HTTP != nil {
			return r.HTTP.Payload
		}
	case KindTopic:
		if r.Topic != nil {
			return r.Topic.Payload
		}
	}
	return nil
}

// Target is a short human-readable destination for logs and tables.
func (r Recipient) Target() string {
	switch r.Kind {
	case KindHTTP:
		if r.HTTP != nil {
			return r.HTTP.Method + " " + r.HTTP.URL
		}
	case KindTopic:
		if r.Topic != nil {
			return "topic:" + r.Topic.Topic
		}
	}
	return string(r.Kind)
}

// Validate rejects recipients that could never be dispatched.
func (r Recipient) Validate() error {
	switch r.Kind {
	case KindHTTP:
		if r.HTTP == nil || strings.TrimSpace(r.HTTP.URL) == "" {
			return errors.NewInvalidRequestError("http recipient requires a url")
		}
		switch r.HTTP.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return errors.NewInvalidRequestError("unsupported http method %q", r.HTTP.Method)
		}
	case KindTopic:
		if r.Topic == nil || strings.TrimSpace(r.Topic.Topic) == "" {
			return errors.NewInvalidRequestError("topic recipient requires a topic")
		}
		if strings.ContainsAny(r.Topic.Topic, "*/ ") {
			return errors.NewInvalidRequestError("invalid topic name %q", r.Topic.Topic)
		}
	case "":
		return errors.NewInvalidRequestError("recipient is required")
	default:
		return errors.NewInvalidRequestError("unknown recipient type %q", r.Kind)
	}
	if p := r.Payload(); len(p) > 0 && !json.Valid(p) {
		return errors.NewInvalidRequestError("recipient payload is not valid JSON")
	}
	return nil
}

type recipientHeader struct {
	Type Kind `json:"type"`
}

// MarshalJSON writes the flat form: {"type":"http","url":...}.
func (r Recipient) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindHTTP:
		if r.HTTP == nil {
			return nil, errors.New("http recipient without body")
		}
		return json.Marshal(struct {
			recipientHeader
			*HTTPRecipient
		}{recipientHeader{KindHTTP}, r.HTTP})
	case KindTopic:
		if r.Topic == nil {
			return nil, errors.New("topic recipient without body")
		}
		return json.Marshal(struct {
			recipientHeader
			*TopicRecipient
		}{recipientHeader{KindTopic}, r.Topic})
	case "":
		return []byte("null"), nil
	default:
		return nil, errors.Newf("unknown recipient type %q", r.Kind)
	}
}

// UnmarshalJSON reads the flat form. HTTP methods are upper-cased and
// default to POST.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Recipient{}
		return nil
	}
	var h recipientHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	switch Kind(strings.ToLower(string(h.Type))) {
	case KindHTTP:
		var body HTTPRecipient
		if err := json.Unmarshal(data, &body); err != nil {
			return errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
		body.Method = strings.ToUpper(strings.TrimSpace(body.Method))
		if body.Method == "" {
			body.Method = http.MethodPost
		}
		*r = Recipient{Kind: KindHTTP, HTTP: &body}
	case KindTopic:
		var body TopicRecipient
		if err := json.Unmarshal(data, &body); err != nil {
			return errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
		*r = Recipient{Kind: KindTopic, Topic: &body}
	default:
		return errors.NewInvalidRequestError("unknown recipient type %q", h.Type)
	}
	return nil
}
