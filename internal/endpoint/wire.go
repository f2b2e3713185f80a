package endpoint

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/valyala/fastjson"
)

// Control methods understood by the cex dialect.
const (
	MethodSubscribe         = "SUBSCRIBE"
	MethodUnsubscribe       = "UNSUBSCRIBE"
	MethodListSubscriptions = "LIST_SUBSCRIPTIONS"

	dexMethodSubscribe   = "subscribe"
	dexMethodUnsubscribe = "unsubscribe"
)

// MaxParamsPerFrame keeps a cex control frame under the 8 KiB frame limit.
const MaxParamsPerFrame = 350

// Frame is an outbound message queued on a stream. The set of implementations is closed.
type Frame interface {
	// RequestID returns the correlation id carried by the frame, or "" when it has none.
	RequestID() string
	frame()
}

// ControlFrame is a cex SUBSCRIBE, UNSUBSCRIBE or LIST_SUBSCRIPTIONS request.
type ControlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     uint64   `json:"id"`
}

// RequestID implements Frame.
func (f ControlFrame) RequestID() string { return strconv.FormatUint(f.ID, 10) }
func (ControlFrame) frame()              {}

// TopicFrame is a dex subscribe or unsubscribe request.
type TopicFrame struct {
	Method  string   `json:"method"`
	Topic   string   `json:"topic,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
	Address string   `json:"address,omitempty"`
}

// RequestID implements Frame; dex frames are not correlated.
func (TopicFrame) RequestID() string { return "" }
func (TopicFrame) frame()            {}

// APIRequest is a signed WebSocket API request.
type APIRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// RequestID implements Frame.
func (r APIRequest) RequestID() string { return r.ID }
func (APIRequest) frame()              {}

// Encode serialises a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Reply classifies an inbound frame.
type Reply int

const (
	// ReplyData is a market or account data frame.
	ReplyData Reply = iota
	// ReplyResult carries a `result` field answering a request id.
	ReplyResult
	// ReplyError carries an `error` field.
	ReplyError
)

func (r Reply) String() string {
	switch r {
	case ReplyResult:
		return "result"
	case ReplyError:
		return "error"
	default:
		return "data"
	}
}

var (
	resultKey = []byte(`"result"`)
	errorKey  = []byte(`"error"`)
)

var probePool fastjson.ParserPool

// RecognizeReply inspects the top-level keys of frame.
// It returns the reply kind and the request id, if any.
func RecognizeReply(frame []byte) (Reply, string) {
	if !bytes.Contains(frame, resultKey) && !bytes.Contains(frame, errorKey) {
		return ReplyData, ""
	}
	p := probePool.Get()
	defer probePool.Put(p)
	v, err := p.ParseBytes(frame)
	if err != nil || v.Type() != fastjson.TypeObject {
		return ReplyData, ""
	}
	id := requestIDOf(v.Get("id"))
	if v.Exists("error") {
		return ReplyError, id
	}
	if v.Exists("result") {
		return ReplyResult, id
	}
	return ReplyData, ""
}

// RequestIDOf extracts the top-level id of frame, returning "" when absent.
func RequestIDOf(frame []byte) string {
	p := probePool.Get()
	defer probePool.Put(p)
	v, err := p.ParseBytes(frame)
	if err != nil {
		return ""
	}
	return requestIDOf(v.Get("id"))
}

// StreamOf returns the `stream` name and `data` payload of a combined-stream envelope.
// ok is false when frame is not an envelope.
func StreamOf(frame []byte) (stream string, data []byte, ok bool) {
	p := probePool.Get()
	defer probePool.Put(p)
	v, err := p.ParseBytes(frame)
	if err != nil {
		return "", nil, false
	}
	name := v.GetStringBytes("stream")
	payload := v.Get("data")
	if len(name) == 0 || payload == nil {
		return "", nil, false
	}
	return string(name), payload.MarshalTo(nil), true
}

func requestIDOf(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return string(v.MarshalTo(nil))
	default:
		return ""
	}
}
