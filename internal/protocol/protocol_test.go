package protocol_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/basket/clubfleet/internal/protocol"
)

// frameWithHeader wraps base64 text in a two-byte length header the way the
// platform frames its pushes.
func frameWithHeader(b64 []byte) []byte {
	// 0x7D keeps the length nibble below the extended-length markers.
	frame := []byte{0x81, 0x7D}
	return append(frame, b64...)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  protocol.Envelope
	}{
		{"auth", protocol.NewAuth("secret-key", "ep-7")},
		{"join", protocol.NewJoinClub("2341357")},
		{"message", protocol.NewClubMessage("2341357", "hello", 5)},
		{"leave", protocol.NewLeaveClub()},
		{"query", protocol.NewMembershipQuery("2341357")},
		{"ping", protocol.NewPing()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := protocol.Encode(tc.env)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			msg := protocol.DecodeFrame(frameWithHeader(wire))
			if msg.Empty() {
				t.Fatal("decode returned empty message")
			}
			if msg.RH != tc.env.RH || msg.PU != tc.env.PU {
				t.Fatalf("routing codes changed: got %s/%s want %s/%s", msg.RH, msg.PU, tc.env.RH, tc.env.PU)
			}
			if msg.SQ != tc.env.SQ {
				t.Fatalf("sequence changed: got %d want %d", msg.SQ, tc.env.SQ)
			}
			var wantPayload map[string]any
			if err := json.Unmarshal([]byte(tc.env.PY), &wantPayload); err != nil {
				t.Fatalf("builder produced non-JSON payload: %v", err)
			}
			gotPayload := msg.Payload()
			for k := range wantPayload {
				if _, ok := gotPayload[k]; !ok {
					t.Fatalf("payload lost field %q: %v", k, gotPayload)
				}
			}
		})
	}
}

func TestDecodeFrame_HeaderOffsets(t *testing.T) {
	env := protocol.NewPing()
	wire, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := []struct {
		name   string
		header []byte
	}{
		{"short", []byte{0x81, byte(len(wire))}},
		{"extended16", []byte{0x81, 126, 0x00, 0x00}},
		{"extended64", []byte{0x81, 127, 0, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := append(append([]byte{}, tc.header...), wire...)
			msg := protocol.DecodeFrame(frame)
			if msg.RH != "JO" {
				t.Fatalf("expected ping route, got %+v", msg)
			}
		})
	}
}

// The fallback path decodes the whole frame when the slice after the header
// does not look like base64 JSON.
func TestDecodeFrame_WholeFrameFallback(t *testing.T) {
	wire, err := protocol.Encode(protocol.NewAuth("k", "ep"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// No framing header: the bytes at offset 2 are mid-stream base64 and do
	// not start with "ey", so the decoder must fall back to the full frame.
	msg := protocol.DecodeFrame(wire)
	if msg.RH != "jo" {
		t.Fatalf("fallback path failed: %+v", msg)
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x81}},
		{"truncated extended header", []byte{0x81, 126}},
		{"invalid base64", frameWithHeader([]byte("ey!!not-base64!!"))},
		{"valid base64 invalid json", frameWithHeader([]byte(base64.StdEncoding.EncodeToString([]byte("{\"RH\":"))))},
		{"garbage", []byte("\x00\x01\x02\x03")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := protocol.DecodeFrame(tc.frame)
			if !msg.Empty() {
				t.Fatalf("expected empty message, got %+v", msg)
			}
		})
	}
}

func encodeInbound(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return frameWithHeader([]byte(base64.StdEncoding.EncodeToString(raw)))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want protocol.Kind
	}{
		{"auth success", map[string]any{"RH": "AUA"}, protocol.KindAuthSuccess},
		{"auth challenge", map[string]any{"RH": "xx", "PY": map[string]any{"IA": "captcha"}}, protocol.KindAuthChallenge},
		{"challenge wins over route", map[string]any{"RH": "AUA", "PY": map[string]any{"IA": 1}}, protocol.KindAuthChallenge},
		{"join ack", map[string]any{"RH": "CBC", "PU": "CJA"}, protocol.KindJoinAck},
		{"rejoin ack", map[string]any{"RH": "CBC", "PU": "REA"}, protocol.KindJoinAck},
		{"membership", map[string]any{"RH": "CBC", "PU": "GOMPA", "PY": map[string]any{}}, protocol.KindMembershipReply},
		{"mic invite", map[string]any{"RH": "CBC", "PU": "SMI"}, protocol.KindMicInvite},
		{"error notice", map[string]any{"RH": "cr"}, protocol.KindErrorNotice},
		{"unknown", map[string]any{"RH": "zz", "PU": "zz"}, protocol.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := protocol.DecodeFrame(encodeInbound(t, tc.in))
			if got := protocol.Classify(msg); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestParseMembership(t *testing.T) {
	cases := []struct {
		name string
		py   map[string]any
		want protocol.Membership
	}{
		{
			"full permissions",
			map[string]any{"DP": map[string]any{
				"SMP":  map[string]any{"P": 200},
				"MTSP": map[string]any{"P": 600},
			}},
			protocol.Membership{Member: true, CanMessage: true, CanMic: true},
		},
		{
			"member without permissions",
			map[string]any{"DP": map[string]any{
				"SMP":  map[string]any{"P": 100},
				"MTSP": map[string]any{"P": 0},
			}},
			protocol.Membership{Member: true},
		},
		{
			"string-typed codes",
			map[string]any{"DP": map[string]any{
				"SMP":  map[string]any{"P": "200"},
				"MTSP": map[string]any{"P": "601"},
			}},
			protocol.Membership{Member: true, CanMessage: true},
		},
		{
			"error reply",
			map[string]any{"ER": "not a member"},
			protocol.Membership{},
		},
		{
			"missing permission block",
			map[string]any{},
			protocol.Membership{Member: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := protocol.DecodeFrame(encodeInbound(t, map[string]any{"RH": "CBC", "PU": "GOMPA", "PY": tc.py}))
			if got := protocol.ParseMembership(msg); got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestAuthEnvelopeFlags(t *testing.T) {
	wire, err := protocol.Encode(protocol.NewAuth("k", "ep"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(string(wire))
	if err != nil {
		t.Fatalf("frame is not base64: %v", err)
	}
	var env struct {
		EN *bool  `json:"EN"`
		PY string `json:"PY"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.EN == nil || !*env.EN {
		t.Fatal("auth envelope must set EN=true")
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(env.PY), &payload); err != nil {
		t.Fatalf("PY must be a JSON-encoded string: %v", err)
	}
	if payload["KEY"] != "k" || payload["EP"] != "ep" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}
