// Package protocol implements the club platform wire format: a JSON envelope
// with routing codes and a string-encoded payload, base64-framed over the
// WebSocket transport. The package is stateless and does no I/O.
package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// Routing codes used by the platform.
const (
	RouteAuth       = "jo"  // outbound authenticate
	RouteAuthOK     = "AUA" // inbound authentication success
	RoutePing       = "JO"  // outbound keepalive
	RouteClub       = "CBC" // club operations, secondary code selects the verb
	RouteErrNotice  = "cr"  // inbound error notice, informational only
	SubJoin         = "CJ"
	SubJoinAck      = "CJA"
	SubRejoinAck    = "REA"
	SubLeave        = "LC"
	SubChatMessage  = "CM"
	SubMemberQuery  = "GOMP"
	SubMemberReply  = "GOMPA"
	SubMicInvite    = "SMI"
	SubMicAccept    = "TMS"
)

// Permission code values returned in membership replies.
const (
	MessagePermissionCode = 200
	MicPermissionCode     = 600
)

// Envelope is the outbound message shape. PY carries the operation arguments
// as a JSON-encoded string, not a nested object.
type Envelope struct {
	RH string `json:"RH"`
	PU string `json:"PU"`
	PY string `json:"PY"`
	SQ int    `json:"SQ,omitempty"`
	EN *bool  `json:"EN,omitempty"`
}

// Encode marshals the envelope and base64-encodes it for transmission.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

func mustPayload(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		// Payload structs below contain only marshalable fields.
		return "{}"
	}
	return string(raw)
}

func boolPtr(b bool) *bool { return &b }

// NewAuth builds the authenticate envelope for a bot's credentials.
func NewAuth(key, endpoint string) Envelope {
	return Envelope{
		RH: RouteAuth,
		PU: "",
		PY: mustPayload(map[string]string{"KEY": key, "EP": endpoint}),
		EN: boolPtr(true),
	}
}

// profileBlock is the static display descriptor the platform requires on every
// club join. The field set and values are fixed by the remote platform.
type profileBlock struct {
	GA    bool           `json:"GA"`
	NM    string         `json:"NM"`
	XP    int            `json:"XP"`
	AD    string         `json:"AD"`
	ABI   string         `json:"ABI"`
	CV    int            `json:"CV"`
	WS    int            `json:"WS"`
	PT    int            `json:"PT"`
	LV    int            `json:"LV"`
	Snuid string         `json:"snuid"`
	GC    string         `json:"GC"`
	PBI   string         `json:"PBI"`
	VT    int            `json:"VT"`
	TID   int            `json:"TID"`
	SEI   map[string]any `json:"SEI"`
	AF    string         `json:"AF"`
	LVT   int            `json:"LVT"`
	AV    string         `json:"AV"`
	UI    string         `json:"UI"`
	CLR   []string       `json:"CLR"`
	SLBR  int            `json:"SLBR"`
	LLC   string         `json:"LLC"`
}

func defaultProfile() profileBlock {
	return profileBlock{
		NM:  "clubfleet",
		CV:  289,
		PT:  3,
		LV:  1,
		SEI: map[string]any{},
		CLR: []string{},
		LLC: "PK",
	}
}

type joinPayload struct {
	IDX string       `json:"IDX"`
	CID string       `json:"CID"`
	PI  profileBlock `json:"PI"`
	JTY string       `json:"JTY"`
	CF  int          `json:"CF"`
}

// NewJoinClub builds the club join envelope for the given numeric group code.
func NewJoinClub(clubCode string) Envelope {
	return Envelope{
		RH: RouteClub,
		PU: SubJoin,
		PY: mustPayload(joinPayload{
			IDX: "1",
			CID: clubCode,
			PI:  defaultProfile(),
			JTY: "15",
		}),
	}
}

// NewLeaveClub builds the club leave envelope. Leaves are not acknowledged.
func NewLeaveClub() Envelope {
	return Envelope{
		RH: RouteClub,
		PU: SubLeave,
		PY: mustPayload(map[string]any{"IDX": "1", "TY": 0}),
	}
}

// NewClubMessage builds a chat message envelope tagged with the connection's
// next sequence number.
func NewClubMessage(clubCode, text string, seq int) Envelope {
	return Envelope{
		RH: RouteClub,
		PU: SubChatMessage,
		PY: mustPayload(map[string]string{"CID": clubCode, "MG": text}),
		SQ: seq,
		EN: boolPtr(false),
	}
}

// NewMembershipQuery builds the membership/permission probe envelope.
func NewMembershipQuery(clubCode string) Envelope {
	return Envelope{
		RH: RouteClub,
		PU: SubMemberQuery,
		PY: mustPayload(map[string]string{"CID": clubCode}),
	}
}

// NewMicAccept builds the acceptance reply to an inbound mic invitation.
func NewMicAccept(seq int) Envelope {
	return Envelope{
		RH: RouteClub,
		PU: SubMicAccept,
		SQ: seq,
		PY: mustPayload(map[string]any{"MN": 1, "TM": true, "RS": true}),
	}
}

// NewPing builds the keepalive envelope.
func NewPing() Envelope {
	return Envelope{RH: RoutePing, PU: "", PY: "{}"}
}

// Message is a decoded inbound frame. PY is kept raw because the platform
// sends it as a nested object on some routes and a JSON string on others.
type Message struct {
	RH string          `json:"RH"`
	PU string          `json:"PU"`
	PY json.RawMessage `json:"PY"`
	SQ int             `json:"SQ"`
}

// Empty reports whether the message carries no routing information, which is
// what DecodeFrame returns for frames it cannot make sense of.
func (m Message) Empty() bool {
	return m.RH == "" && m.PU == "" && len(m.PY) == 0
}

// Payload decodes PY into a generic object. It tolerates both the nested
// object form and the JSON-string form; anything else yields nil.
func (m Message) Payload() map[string]any {
	if len(m.PY) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(m.PY, &obj); err == nil {
		return obj
	}
	var s string
	if err := json.Unmarshal(m.PY, &s); err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

// DecodeFrame locates and decodes the payload of a raw inbound frame.
//
// The first two bytes carry a length indicator: a value of 126 or 127 means
// the length field is extended and the payload starts 2 or 8 bytes further
// in. The located slice is treated as base64 text when it starts with "ey"
// (the base64 prefix of a JSON object opening with `{"`); otherwise the
// entire frame is base64-decoded as a fallback. Both paths can spuriously
// succeed on malformed input; the two-path structure is kept for
// compatibility with the platform's observed behavior.
//
// Any failure returns an empty Message so the connection keeps running.
func DecodeFrame(frame []byte) Message {
	if len(frame) < 2 {
		return Message{}
	}

	lengthByte := frame[1] & 127
	offset := 2
	switch lengthByte {
	case 126:
		offset = 4
	case 127:
		offset = 10
	}
	if offset > len(frame) {
		return Message{}
	}

	candidate := frame[offset:]
	b64 := frame
	if len(candidate) >= 2 && candidate[0] == 'e' && candidate[1] == 'y' {
		b64 = candidate
	}

	raw, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return Message{}
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}
	}
	return msg
}

// Kind classifies an inbound message by its routing codes and payload shape.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthChallenge
	KindAuthSuccess
	KindJoinAck
	KindMembershipReply
	KindMicInvite
	KindErrorNotice
)

func (k Kind) String() string {
	switch k {
	case KindAuthChallenge:
		return "auth_challenge"
	case KindAuthSuccess:
		return "auth_success"
	case KindJoinAck:
		return "join_ack"
	case KindMembershipReply:
		return "membership_reply"
	case KindMicInvite:
		return "mic_invite"
	case KindErrorNotice:
		return "error_notice"
	default:
		return "unknown"
	}
}

// Classify inspects routing codes and the challenge marker. The challenge
// marker wins over everything else: a payload containing the "IA" key is an
// authentication challenge regardless of route.
func Classify(m Message) Kind {
	if payload := m.Payload(); payload != nil {
		if _, ok := payload["IA"]; ok {
			return KindAuthChallenge
		}
	}
	switch {
	case m.RH == RouteAuthOK:
		return KindAuthSuccess
	case m.PU == SubJoinAck || m.PU == SubRejoinAck:
		return KindJoinAck
	case m.PU == SubMemberReply:
		return KindMembershipReply
	case m.RH == RouteClub && m.PU == SubMicInvite:
		return KindMicInvite
	case m.RH == RouteErrNotice:
		return KindErrorNotice
	default:
		return KindUnknown
	}
}

// Membership is the outcome of a membership/permission probe.
type Membership struct {
	Member     bool
	CanMessage bool
	CanMic     bool
}

// ParseMembership derives boolean permissions from a membership reply.
// A reply carrying an ER field means the bot is not a member; otherwise the
// SMP/MTSP permission codes are compared against the expected constants.
func ParseMembership(m Message) Membership {
	payload := m.Payload()
	if payload == nil {
		return Membership{}
	}
	if _, hasErr := payload["ER"]; hasErr {
		return Membership{}
	}
	return Membership{
		Member:     true,
		CanMessage: permissionCode(payload, "SMP") == MessagePermissionCode,
		CanMic:     permissionCode(payload, "MTSP") == MicPermissionCode,
	}
}

// permissionCode digs PY.DP.<field>.P out of a decoded payload.
func permissionCode(payload map[string]any, field string) int {
	dp, ok := payload["DP"].(map[string]any)
	if !ok {
		return 0
	}
	entry, ok := dp[field].(map[string]any)
	if !ok {
		return 0
	}
	switch v := entry["P"].(type) {
	case float64:
		return int(v)
	case string:
		var n int
		for _, c := range v {
			if c < '0' || c > '9' {
				return 0
			}
			n = n*10 + int(c-'0')
		}
		return n
	default:
		return 0
	}
}
