package protocol

import "fmt"

// HeaderID is the numeric key of a Header.
type HeaderID uint32

// Channel header ids.
const (
	HeaderConnectionID  HeaderID = 0
	HeaderReplyFor      HeaderID = 1
	HeaderResultSuccess HeaderID = 2
	HeaderHelloListener HeaderID = 3
	HeaderHelloVersion  HeaderID = 4
)

// Ids in [ReflectedMin, ReflectedMax] are echoed back by the router on replies.
const (
	ReflectedMin HeaderID = 128
	ReflectedMax HeaderID = 255

	HeaderUUID HeaderID = 128
)

// Edge header ids, contiguous from 1000.
const (
	HeaderConnID HeaderID = 1000 + iota
	HeaderSeq
	HeaderSessionToken
	HeaderPublicKey
	HeaderCost
	HeaderPrecedence
	HeaderTerminatorIdentity
	HeaderTerminatorIdentitySecret
	HeaderCallerID
	HeaderCryptoMethod
	HeaderFlags
	HeaderAppData
	HeaderRouterProvidedConnID
	HeaderHealthStatus
	HeaderErrorCode
	HeaderTimestamp
	HeaderTraceHopCount
	HeaderTraceHopType
	HeaderTraceHopID
	HeaderTraceSourceRequestID
	HeaderTraceError
	HeaderListenerID
	HeaderConnType
	HeaderSupportsInspect
	HeaderSupportsBindSuccess
	HeaderConnectionMarker
	HeaderCircuitID
	HeaderStickinessToken
)

var headerIDNames = map[HeaderID]string{
	HeaderConnectionID:             "ConnectionId",
	HeaderReplyFor:                 "ReplyFor",
	HeaderResultSuccess:            "ResultSuccess",
	HeaderHelloListener:            "HelloListener",
	HeaderHelloVersion:             "HelloVersion",
	HeaderUUID:                     "UUID",
	HeaderConnID:                   "ConnId",
	HeaderSeq:                      "Seq",
	HeaderSessionToken:             "SessionToken",
	HeaderPublicKey:                "PublicKey",
	HeaderCost:                     "Cost",
	HeaderPrecedence:               "Precedence",
	HeaderTerminatorIdentity:       "TerminatorIdentity",
	HeaderTerminatorIdentitySecret: "TerminatorIdentitySecret",
	HeaderCallerID:                 "CallerId",
	HeaderCryptoMethod:             "CryptoMethod",
	HeaderFlags:                    "Flags",
	HeaderAppData:                  "AppData",
	HeaderRouterProvidedConnID:     "RouterProvidedConnId",
	HeaderHealthStatus:             "HealthStatus",
	HeaderErrorCode:                "ErrorCode",
	HeaderTimestamp:                "Timestamp",
	HeaderTraceHopCount:            "TraceHopCount",
	HeaderTraceHopType:             "TraceHopType",
	HeaderTraceHopID:               "TraceHopId",
	HeaderTraceSourceRequestID:     "TraceSourceRequestId",
	HeaderTraceError:               "TraceError",
	HeaderListenerID:               "ListenerId",
	HeaderConnType:                 "ConnType",
	HeaderSupportsInspect:          "SupportsInspect",
	HeaderSupportsBindSuccess:      "SupportsBindSuccess",
	HeaderConnectionMarker:         "ConnectionMarker",
	HeaderCircuitID:                "CircuitId",
	HeaderStickinessToken:          "StickinessToken",
}

func (h HeaderID) String() string {
	if name, ok := headerIDNames[h]; ok {
		return name
	}
	if h.IsReflected() {
		return fmt.Sprintf("Reflected(%d)", uint32(h))
	}
	return fmt.Sprintf("HeaderID(%d)", uint32(h))
}

// IsReflected reports whether the id lies in the reflected range.
func (h HeaderID) IsReflected() bool {
	return h >= ReflectedMin && h <= ReflectedMax
}
