package wire

import "strings"

// Response builds the single outbound JSON object for one proxy reply, in
// the exact field order the wire protocol requires:
//
//	{"requestId": <n>, "type": "<func>", [unsolicited,] [success,] [<key>: <val>,] "clientId": "<id>"}
type Response struct {
	RequestID string // numeric string, or the literal "Missing requestId"
	Type      string // func name, or the literal "Missing requestType"

	Unsolicited bool // emitted only when true
	HasSuccess  bool // false for unsolicited frames: success is omitted entirely
	Success     bool

	ExtraKey   string // "", "error", "count", "records", "notification", "connectionLostError"
	ExtraStr   string // used when ExtraKey is a plain string field
	ExtraInt   int    // used when ExtraKey == "count"
	ExtraArray []string // used when ExtraKey == "records"

	ClientID string
}

// requestIDIsMissing reports whether RequestID should be encoded as the
// quoted sentinel string rather than a bare JSON number.
func (r *Response) requestIDIsMissing() bool {
	return r.RequestID == "Missing requestId"
}

// Encode renders the response as a single-line JSON object.
func (r *Response) Encode() string {
	var b strings.Builder
	b.WriteByte('{')

	b.WriteString(`"requestId":`)
	if r.requestIDIsMissing() {
		b.WriteByte('"')
		b.WriteString(EscapeString(r.RequestID))
		b.WriteByte('"')
	} else {
		b.WriteString(r.RequestID)
	}
	b.WriteByte(',')

	b.WriteString(`"type":"`)
	b.WriteString(EscapeString(r.Type))
	b.WriteString(`",`)

	if r.Unsolicited {
		b.WriteString(`"unsolicited":true,`)
	}

	if r.HasSuccess {
		b.WriteString(`"success":`)
		if r.Success {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		b.WriteByte(',')
	}

	if r.ExtraKey != "" {
		b.WriteByte('"')
		b.WriteString(r.ExtraKey)
		b.WriteString(`":`)
		switch r.ExtraKey {
		case "count":
			b.WriteString(itoa(r.ExtraInt))
		case "records":
			b.WriteByte('[')
			for i, v := range r.ExtraArray {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteByte('"')
				b.WriteString(EscapeString(v))
				b.WriteByte('"')
			}
			b.WriteByte(']')
		default:
			b.WriteByte('"')
			b.WriteString(EscapeString(r.ExtraStr))
			b.WriteByte('"')
		}
		b.WriteByte(',')
	}

	b.WriteString(`"clientId":"`)
	b.WriteString(EscapeString(r.ClientID))
	b.WriteString(`"}`)

	return b.String()
}

// Success builds a success response with no extra payload field
// (e.g. disconnect, listen, unlisten acknowledgements).
func Success(requestID, typ, clientID string) *Response {
	return &Response{RequestID: requestID, Type: typ, HasSuccess: true, Success: true, ClientID: clientID}
}

// SuccessCount builds a success response carrying "count": N (executeSql).
func SuccessCount(requestID, typ, clientID string, count int) *Response {
	return &Response{RequestID: requestID, Type: typ, HasSuccess: true, Success: true, ClientID: clientID,
		ExtraKey: "count", ExtraInt: count}
}

// SuccessRecords builds a success response carrying "records": [...]
// (query/moreQueryResults).
func SuccessRecords(requestID, typ, clientID string, records []string) *Response {
	return &Response{RequestID: requestID, Type: typ, HasSuccess: true, Success: true, ClientID: clientID,
		ExtraKey: "records", ExtraArray: records}
}

// Error builds an error response keyed by the original requestId.
func Error(requestID, typ, clientID, message string) *Response {
	return &Response{RequestID: requestID, Type: typ, HasSuccess: true, Success: false, ClientID: clientID,
		ExtraKey: "error", ExtraStr: message}
}

// ListenNotification builds an unsolicited listen notification, tagged
// with the client's original listen request's requestId/type.
func ListenNotification(requestID, typ, clientID, notification string) *Response {
	return &Response{RequestID: requestID, Type: typ, Unsolicited: true, ClientID: clientID,
		ExtraKey: "notification", ExtraStr: notification}
}

// ConnectionLost builds an unsolicited connect-type frame reporting that
// the backend connection died out from under the client.
func ConnectionLost(requestID, clientID, errMsg string) *Response {
	return &Response{RequestID: requestID, Type: "connect", Unsolicited: true, ClientID: clientID,
		ExtraKey: "connectionLostError", ExtraStr: errMsg}
}

// InvalidSession builds the fixed invalid-session error response.
func InvalidSession(requestID, typ, clientID string) *Response {
	return Error(requestID, typ, clientID, "Invalid session")
}
