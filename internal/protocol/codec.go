package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Decode turns one complete message line into events.
//
// A structured sensor_data message yields one event per sensor, sorted by
// sensor type. Every other message yields exactly one event. Undecodable input
// yields a single KindMalformed event; Decode never fails. Blank lines yield
// no events.
func Decode(line []byte) []Event {
	msg := bytes.TrimRightFunc(line, unicode.IsSpace)
	if len(bytes.TrimSpace(msg)) == 0 {
		return nil
	}
	raw := append([]byte(nil), msg...)

	if events, ok := decodeStructured(raw); ok {
		return events
	}
	return []Event{decodeText(raw)}
}

// decodeStructured handles JSON object messages. ok is false when the line is
// not a JSON object at all, so the caller can try the text form.
func decodeStructured(raw []byte) ([]Event, bool) {
	trimmed := bytes.TrimLeftFunc(raw, unicode.IsSpace)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, false
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return []Event{malformed(raw, "invalid structured message: %v", err)}, true
	}

	switch env.Type {
	case TypeSensorData:
		return decodeSensorData(raw, env), true

	case TypeCommandResponse:
		if env.CommandID == nil {
			return []Event{malformed(raw, "command_response without command_id")}, true
		}
		id, err := env.CommandID.Int64()
		if err != nil {
			return []Event{malformed(raw, "command_response with non-integer command_id %q", env.CommandID.String())}, true
		}
		resp, ok := responseText(env.Response)
		if !ok {
			return []Event{malformed(raw, "command_response without response")}, true
		}
		return []Event{{Kind: KindCommandResponse, CommandID: id, Response: resp, Raw: raw}}, true

	case TypeStatus:
		return []Event{{Kind: KindStatus, Detail: string(trimmed), Raw: raw}}, true

	case TypeHello:
		serial := strings.TrimSpace(env.Serial)
		if serial == "" {
			return []Event{malformed(raw, "hello without serial")}, true
		}
		return []Event{{Kind: KindHello, Serial: serial, Raw: raw}}, true

	case "":
		return []Event{malformed(raw, "structured message without type")}, true

	default:
		return []Event{malformed(raw, "unrecognized message type %q", env.Type)}, true
	}
}

func decodeSensorData(raw []byte, env envelope) []Event {
	if len(env.Data) == 0 {
		return []Event{malformed(raw, "sensor_data without readings")}
	}

	sensors := make([]string, 0, len(env.Data))
	for name := range env.Data {
		sensors = append(sensors, name)
	}
	sort.Strings(sensors)

	events := make([]Event, 0, len(sensors))
	for _, name := range sensors {
		var value float64
		if name == "" {
			events = append(events, malformed(raw, "sensor_data with empty sensor type"))
			continue
		}
		if err := json.Unmarshal(env.Data[name], &value); err != nil {
			events = append(events, malformed(raw, "sensor %q has non-numeric value %s", name, string(env.Data[name])))
			continue
		}
		events = append(events, Event{Kind: KindSensorReading, SensorType: name, Value: value, Raw: raw})
	}
	return events
}

// responseText accepts a JSON string as-is and keeps any other non-null JSON
// value in its raw form.
func responseText(r json.RawMessage) (string, bool) {
	r = bytes.TrimSpace(r)
	if len(r) == 0 || bytes.Equal(r, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s, true
	}
	return string(r), true
}

func decodeText(raw []byte) Event {
	s := string(raw)
	if !strings.HasPrefix(s, TextSensorPrefix) {
		return malformed(raw, "unrecognized message")
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return malformed(raw, "expected SENSOR:<type>:<value>, got %d fields", len(parts))
	}

	sensorType := strings.TrimSpace(parts[1])
	if sensorType == "" {
		return malformed(raw, "empty sensor type")
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return malformed(raw, "sensor %q has non-numeric value %q", sensorType, parts[2])
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return malformed(raw, "sensor %q has non-finite value %q", sensorType, parts[2])
	}

	return Event{Kind: KindSensorReading, SensorType: sensorType, Value: value, Raw: raw}
}

func malformed(raw []byte, format string, args ...any) Event {
	return Event{Kind: KindMalformed, Detail: fmt.Sprintf(format, args...), Raw: raw}
}

// EncodeCommand serializes a command for delivery, newline terminated.
func EncodeCommand(id int64, commandType string, parameters *string) ([]byte, error) {
	data, err := json.Marshal(CommandPayload{
		CommandID:  id,
		Type:       commandType,
		Parameters: parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("encode command %d: %w", id, err)
	}
	return append(data, '\n'), nil
}

// EncodeSensorText formats a reading in the plain text form, newline terminated.
func EncodeSensorText(sensorType string, value float64) []byte {
	return []byte(TextSensorPrefix + sensorType + ":" + strconv.FormatFloat(value, 'g', -1, 64) + "\n")
}

// EncodeSensorData formats readings in the structured form, newline terminated.
func EncodeSensorData(readings map[string]float64) ([]byte, error) {
	data, err := json.Marshal(SensorDataPayload{Type: TypeSensorData, Data: readings})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EncodeCommandResponse formats a device acknowledgement, newline terminated.
func EncodeCommandResponse(id int64, response string) ([]byte, error) {
	data, err := json.Marshal(CommandResponsePayload{Type: TypeCommandResponse, CommandID: id, Response: response})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EncodeHello formats a serial claim, newline terminated.
func EncodeHello(serial string) ([]byte, error) {
	data, err := json.Marshal(HelloPayload{Type: TypeHello, Serial: serial})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeCommand parses a command line as sent by the hub. Used by device-side
// tooling such as the simulator.
func DecodeCommand(line []byte) (*CommandPayload, error) {
	var cmd CommandPayload
	if err := json.Unmarshal(bytes.TrimSpace(line), &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("decode command: missing type")
	}
	return &cmd, nil
}
