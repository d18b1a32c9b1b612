package protocol

import "fmt"

// ContentType identifies what a Message carries.
type ContentType int32

// Channel-level content types.
const (
	ContentTypeHello   ContentType = 0
	ContentTypePing    ContentType = 1
	ContentTypeResult  ContentType = 2
	ContentTypeLatency ContentType = 3
)

// Edge content types. The values are contiguous starting at 60783.
const (
	ContentTypeConnect ContentType = 60783 + iota
	ContentTypeStateConnected
	ContentTypeStateClosed
	ContentTypeData
	ContentTypeDial
	ContentTypeDialSuccess
	ContentTypeDialFailed
	ContentTypeBind
	ContentTypeUnbind
	ContentTypeStateSessionEnded
	ContentTypeProbe
	ContentTypeUpdateBind
	ContentTypeHealthEvent
	ContentTypeTraceRoute
	ContentTypeTraceRouteResponse
	ContentTypeConnInspectRequest
	ContentTypeConnInspectResponse
	ContentTypeBindSuccess
	ContentTypeUpdateToken
	ContentTypeUpdateTokenSuccess
	ContentTypeUpdateTokenFailure
)

var contentTypeNames = map[ContentType]string{
	ContentTypeHello:               "Hello",
	ContentTypePing:                "Ping",
	ContentTypeResult:              "Result",
	ContentTypeLatency:             "Latency",
	ContentTypeConnect:             "Connect",
	ContentTypeStateConnected:      "StateConnected",
	ContentTypeStateClosed:         "StateClosed",
	ContentTypeData:                "Data",
	ContentTypeDial:                "Dial",
	ContentTypeDialSuccess:         "DialSuccess",
	ContentTypeDialFailed:          "DialFailed",
	ContentTypeBind:                "Bind",
	ContentTypeUnbind:              "Unbind",
	ContentTypeStateSessionEnded:   "StateSessionEnded",
	ContentTypeProbe:               "Probe",
	ContentTypeUpdateBind:          "UpdateBind",
	ContentTypeHealthEvent:         "HealthEvent",
	ContentTypeTraceRoute:          "TraceRoute",
	ContentTypeTraceRouteResponse:  "TraceRouteResponse",
	ContentTypeConnInspectRequest:  "ConnInspectRequest",
	ContentTypeConnInspectResponse: "ConnInspectResponse",
	ContentTypeBindSuccess:         "BindSuccess",
	ContentTypeUpdateToken:         "UpdateToken",
	ContentTypeUpdateTokenSuccess:  "UpdateTokenSuccess",
	ContentTypeUpdateTokenFailure:  "UpdateTokenFailure",
}

func (c ContentType) String() string {
	if name, ok := contentTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ContentType(%d)", int32(c))
}

// IsConnectionScoped reports whether messages of this type belong to a single
// edge connection. Such messages carry a ConnId header and, when they answer a
// request, an explicit ReplyFor header.
func (c ContentType) IsConnectionScoped() bool {
	return c >= ContentTypeStateConnected
}
