// Package meshtastic decodes position reports from the two payload
// encodings Meshtastic gateways publish over MQTT: the JSON rendering
// (topics with a "json" segment) and the binary ServiceEnvelope
// protobuf (everything else).
//
// Decoding is a pure transformation: most mesh traffic is telemetry,
// node info, or text chat, and anything that is not a well-formed
// position report simply decodes to nothing. That outcome is expected
// and frequent, not an error.
package meshtastic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// portNumPosition is the Meshtastic application port for position
// packets (POSITION_APP).
const portNumPosition = 3

// coordScale converts Meshtastic fixed-point integer coordinates
// (degrees × 1e7) to decimal degrees.
const coordScale = 1e-7

// Encoding identifies which wire format a report was decoded from.
type Encoding int

const (
	// EncodingJSON is the gateway's JSON rendering of a packet.
	EncodingJSON Encoding = iota + 1
	// EncodingProto is the binary ServiceEnvelope protobuf.
	EncodingProto
)

// String returns the encoding name used in logs and raw payloads.
func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingProto:
		return "protobuf"
	default:
		return "unknown"
	}
}

// Report is one decoded position report. Raw holds the original
// payload for audit and replay: verbatim for JSON, a JSON rendering of
// the decoded envelope for protobuf.
type Report struct {
	Encoding     Encoding
	DeviceID     string
	Latitude     float64
	Longitude    float64
	Altitude     *float64
	Accuracy     *float64
	BatteryLevel *float64
	Time         time.Time
	Raw          json.RawMessage
}

// Decode turns a raw MQTT message into a position report. The second
// return value is false when the message is not a position — wrong
// packet type, malformed bytes, missing coordinates. now supplies the
// receipt time used when the payload carries no timestamp, keeping the
// function free of side effects.
func Decode(topic string, payload []byte, now time.Time) (Report, bool) {
	if isJSONTopic(topic) {
		return decodeJSON(payload, now)
	}
	return decodeProto(payload, now)
}

// isJSONTopic reports whether any segment of the topic equals "json",
// the Meshtastic gateway convention for JSON-encoded payloads
// (e.g. msh/US/2/json/LongFast/!9e75c710).
func isJSONTopic(topic string) bool {
	for _, seg := range strings.Split(topic, "/") {
		if seg == "json" {
			return true
		}
	}
	return false
}

// jsonMessage mirrors the fields of the gateway's JSON rendering that
// matter for position extraction. Firmware versions vary in which
// timestamp and accuracy fields they populate.
type jsonMessage struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	From      int64  `json:"from"`
	Timestamp int64  `json:"timestamp"`
	Payload   struct {
		LatitudeI     *int64   `json:"latitude_i"`
		LongitudeI    *int64   `json:"longitude_i"`
		Altitude      *float64 `json:"altitude"`
		PrecisionBits *float64 `json:"precision_bits"`
		PDOP          *float64 `json:"PDOP"`
		BatteryLevel  *float64 `json:"battery_level"`
		Time          int64    `json:"time"`
	} `json:"payload"`
}

func decodeJSON(payload []byte, now time.Time) (Report, bool) {
	var msg jsonMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Report{}, false
	}
	if msg.Type != "position" {
		return Report{}, false
	}
	if msg.Payload.LatitudeI == nil || msg.Payload.LongitudeI == nil {
		return Report{}, false
	}

	deviceID := msg.Sender
	if deviceID == "" && msg.From != 0 {
		deviceID = nodeID(uint32(msg.From))
	}
	if deviceID == "" {
		return Report{}, false
	}

	r := Report{
		Encoding:     EncodingJSON,
		DeviceID:     deviceID,
		Latitude:     float64(*msg.Payload.LatitudeI) * coordScale,
		Longitude:    float64(*msg.Payload.LongitudeI) * coordScale,
		Altitude:     msg.Payload.Altitude,
		BatteryLevel: msg.Payload.BatteryLevel,
		Raw:          json.RawMessage(append([]byte(nil), payload...)),
	}

	switch {
	case msg.Payload.PrecisionBits != nil:
		r.Accuracy = msg.Payload.PrecisionBits
	case msg.Payload.PDOP != nil:
		r.Accuracy = msg.Payload.PDOP
	}

	switch {
	case msg.Timestamp > 0:
		r.Time = time.Unix(msg.Timestamp, 0)
	case msg.Payload.Time > 0:
		r.Time = time.Unix(msg.Payload.Time, 0)
	default:
		r.Time = now.Truncate(time.Second)
	}

	return r, true
}

// protoPosition holds the subset of the Meshtastic Position message the
// bridge records.
type protoPosition struct {
	latitudeI     int32
	longitudeI    int32
	hasLatitude   bool
	hasLongitude  bool
	altitude      *float64
	timeSec       uint32
	timestampSec  uint32
	pdop          *float64
	precisionBits *float64
}

// decodeProto unwraps ServiceEnvelope → MeshPacket → Data → Position
// field by field with protowire. Only the handful of field numbers the
// bridge needs are interpreted; everything else is skipped, and any
// framing error rejects the message.
func decodeProto(payload []byte, now time.Time) (Report, bool) {
	// ServiceEnvelope: field 1 = packet (MeshPacket).
	packet, ok := messageField(payload, 1)
	if !ok {
		return Report{}, false
	}

	// MeshPacket: field 1 = from (fixed32), field 4 = decoded (Data).
	var from uint32
	var data []byte
	ok = walkFields(packet, func(num protowire.Number, typ protowire.Type, v []byte) bool {
		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			f, n := protowire.ConsumeFixed32(v)
			if n < 0 {
				return false
			}
			from = f
		case num == 4 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return false
			}
			data = b
		}
		return true
	})
	if !ok || data == nil || from == 0 {
		return Report{}, false
	}

	// Data: field 1 = portnum, field 2 = payload. A port other than
	// POSITION_APP means telemetry, text, or routing — not ours.
	var portnum uint64
	var posBytes []byte
	ok = walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) bool {
		switch {
		case num == 1 && typ == protowire.VarintType:
			p, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return false
			}
			portnum = p
		case num == 2 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return false
			}
			posBytes = b
		}
		return true
	})
	if !ok || portnum != portNumPosition || posBytes == nil {
		return Report{}, false
	}

	var pos protoPosition
	ok = walkFields(posBytes, func(num protowire.Number, typ protowire.Type, v []byte) bool {
		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			f, n := protowire.ConsumeFixed32(v)
			if n < 0 {
				return false
			}
			pos.latitudeI = int32(f)
			pos.hasLatitude = true
		case num == 2 && typ == protowire.Fixed32Type:
			f, n := protowire.ConsumeFixed32(v)
			if n < 0 {
				return false
			}
			pos.longitudeI = int32(f)
			pos.hasLongitude = true
		case num == 3 && typ == protowire.VarintType:
			a, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return false
			}
			alt := float64(int32(a))
			pos.altitude = &alt
		case num == 4 && typ == protowire.Fixed32Type:
			f, n := protowire.ConsumeFixed32(v)
			if n < 0 {
				return false
			}
			pos.timeSec = f
		case num == 7 && typ == protowire.Fixed32Type:
			f, n := protowire.ConsumeFixed32(v)
			if n < 0 {
				return false
			}
			pos.timestampSec = f
		case num == 11 && typ == protowire.VarintType:
			p, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return false
			}
			pdop := float64(p)
			pos.pdop = &pdop
		case num == 22 && typ == protowire.VarintType:
			p, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return false
			}
			bits := float64(p)
			pos.precisionBits = &bits
		}
		return true
	})
	if !ok || !pos.hasLatitude || !pos.hasLongitude {
		return Report{}, false
	}

	r := Report{
		Encoding:  EncodingProto,
		DeviceID:  nodeID(from),
		Latitude:  float64(pos.latitudeI) * coordScale,
		Longitude: float64(pos.longitudeI) * coordScale,
		Altitude:  pos.altitude,
	}

	switch {
	case pos.precisionBits != nil:
		r.Accuracy = pos.precisionBits
	case pos.pdop != nil:
		r.Accuracy = pos.pdop
	}

	switch {
	case pos.timestampSec > 0:
		r.Time = time.Unix(int64(pos.timestampSec), 0)
	case pos.timeSec > 0:
		r.Time = time.Unix(int64(pos.timeSec), 0)
	default:
		r.Time = now.Truncate(time.Second)
	}

	// The binary envelope has no canonical JSON form; keep a rendering
	// of what was decoded so the audit trail stays uniform.
	raw, err := json.Marshal(map[string]any{
		"encoding":    "protobuf",
		"from":        from,
		"sender":      r.DeviceID,
		"portnum":     portnum,
		"latitude_i":  pos.latitudeI,
		"longitude_i": pos.longitudeI,
		"time":        pos.timeSec,
	})
	if err == nil {
		r.Raw = raw
	}

	return r, true
}

// messageField returns the contents of the first length-delimited field
// with the given number at the top level of b.
func messageField(b []byte, want protowire.Number) ([]byte, bool) {
	var out []byte
	ok := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) bool {
		if num == want && typ == protowire.BytesType {
			inner, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return false
			}
			out = inner
		}
		return true
	})
	if !ok || out == nil {
		return nil, false
	}
	return out, true
}

// walkFields iterates the top-level fields of a wire-format message.
// fn receives each field's number, type, and the remaining bytes
// positioned at the field value; it returns false to abort. walkFields
// returns false on any framing error.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) bool) bool {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return false
		}
		b = b[n:]
		if !fn(num, typ, b) {
			return false
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return false
		}
		b = b[n:]
	}
	return true
}

// nodeID formats a numeric node address the way Meshtastic renders it:
// lowercase hex prefixed with '!', e.g. !9e75c710.
func nodeID(from uint32) string {
	return fmt.Sprintf("!%08x", from)
}
