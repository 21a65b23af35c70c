// Package wire implements the request decoder and response encoder for the
// proxy's JSON-over-WebSocket wire protocol.
package wire

import "encoding/json"

// Kind tags the variant of a decoded Request.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnect
	KindDisconnect
	KindQuery
	KindMoreQueryResults
	KindExecuteSql
	KindListen
	KindUnlisten
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindQuery:
		return "query"
	case KindMoreQueryResults:
		return "moreQueryResults"
	case KindExecuteSql:
		return "executeSql"
	case KindListen:
		return "listen"
	case KindUnlisten:
		return "unlisten"
	default:
		return "unknown"
	}
}

// Request is the decoded form of an inbound frame.
type Request struct {
	Kind      Kind
	RequestID string // string form for substitution; may be "Missing requestId"
	SessionID string
	FuncName  string // original func, or "Missing requestType"
	Raw       string // the original frame, verbatim

	// Connect fields.
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// Disconnect fields.
	DiscardConnection bool

	// Query fields.
	SQL         string
	RecordCount int

	// Listen/Unlisten fields.
	Channel string

	// Unknown detail.
	ErrorDetail string
}

type rawFrame struct {
	Func      *string `json:"func"`
	RequestID *int    `json:"requestId"`
	SessionID *string `json:"sessionId"`

	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`

	DiscardConnection bool `json:"discardConnection"`

	SQL         string `json:"sql"`
	RecordCount int    `json:"recordCount"`

	Channel string `json:"channel"`
}

// Decode parses a raw JSON frame into a Request, per the func-dispatch
// table: connect, disconnect, query, moreQueryResults, executeSql, listen,
// unlisten, or Unknown for anything else or malformed JSON.
func Decode(raw string) *Request {
	req := &Request{Raw: raw}

	var frame rawFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		req.Kind = KindUnknown
		req.RequestID = "Missing requestId"
		req.FuncName = "Missing requestType"
		req.ErrorDetail = err.Error()
		return req
	}

	if frame.RequestID != nil {
		req.RequestID = itoa(*frame.RequestID)
	} else {
		req.RequestID = "Missing requestId"
	}

	if frame.SessionID != nil {
		req.SessionID = *frame.SessionID
	}

	if frame.Func == nil {
		req.FuncName = "Missing requestType"
		req.Kind = KindUnknown
		return req
	}
	req.FuncName = *frame.Func

	switch *frame.Func {
	case "connect":
		req.Kind = KindConnect
		req.Host = frame.Host
		req.Port = frame.Port
		req.Database = frame.Database
		req.User = frame.User
		req.Password = frame.Password
	case "disconnect":
		req.Kind = KindDisconnect
		req.DiscardConnection = frame.DiscardConnection
	case "query":
		req.Kind = KindQuery
		req.SQL = frame.SQL
		req.RecordCount = frame.RecordCount
	case "moreQueryResults":
		req.Kind = KindMoreQueryResults
	case "executeSql":
		req.Kind = KindExecuteSql
		req.SQL = frame.SQL
	case "listen":
		req.Kind = KindListen
		req.Channel = frame.Channel
	case "unlisten":
		req.Kind = KindUnlisten
		req.Channel = frame.Channel
	default:
		req.Kind = KindUnknown
		req.ErrorDetail = "unrecognized func: " + *frame.Func
	}

	return req
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
