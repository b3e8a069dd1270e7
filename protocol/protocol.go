package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Inbound message types sent by the ingestion service.
// Confirmations carry no type, only an identifier and a message body.
const (
	TypeWelcome             = "welcome"
	TypeConfirmSubscription = "confirm_subscription"
	TypeRejectSubscription  = "reject_subscription"
	TypePing                = "ping"
	TypeDisconnect          = "disconnect"
)

// Outbound command names and the actions carried inside "message" data.
const (
	CommandSubscribe = "subscribe"
	CommandMessage   = "message"

	ActionRecordResults     = "record_results"
	ActionEndOfTransmission = "end_of_transmission"
)

var (
	ErrMalformed = errors.New("protocol: malformed message")
	ErrMissingID = errors.New("protocol: record has no identifier")
)

// Record is one test result on its way to the service.
// ID is the acknowledgment key and must be stable for the whole run.
// Payload is already-encoded JSON and is never inspected here; the service
// confirms a result by the "id" field inside it, which must equal ID.
type Record struct {
	ID      string
	Payload json.RawMessage
}

// NewRecord encodes v as the payload of a record with the given id.
func NewRecord(id string, v any) (Record, error) {
	if id == "" {
		return Record{}, ErrMissingID
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("protocol: encode record %s: %w", id, err)
	}
	return Record{ID: id, Payload: payload}, nil
}

// Summary is the example count reported with end-of-transmission.
type Summary struct {
	Examples              int `json:"examples"`
	Failed                int `json:"failed"`
	Pending               int `json:"pending"`
	ErrorsOutsideExamples int `json:"errors_outside_examples"`
}

// command is the outer envelope of every frame we send.
// Data is itself a JSON document carried as a string.
type command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

type recordResults struct {
	Action  string            `json:"action"`
	Results []json.RawMessage `json:"results"`
}

type endOfTransmission struct {
	Action        string  `json:"action"`
	ExamplesCount Summary `json:"examples_count"`
}

// Subscribe builds the subscribe command for channel.
func Subscribe(channel string) ([]byte, error) {
	return json.Marshal(command{Command: CommandSubscribe, Identifier: channel})
}

// RecordResultsFrame builds a message command carrying the payloads of records.
func RecordResultsFrame(channel string, records []Record) ([]byte, error) {
	results := make([]json.RawMessage, len(records))
	for i, r := range records {
		results[i] = r.Payload
	}
	return message(channel, recordResults{Action: ActionRecordResults, Results: results})
}

// EndOfTransmissionFrame builds the message command that tells the service
// no further records will be sent for this run.
func EndOfTransmissionFrame(channel string, summary Summary) ([]byte, error) {
	return message(channel, endOfTransmission{Action: ActionEndOfTransmission, ExamplesCount: summary})
}

func message(channel string, data any) ([]byte, error) {
	inner, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Command: CommandMessage, Identifier: channel, Data: string(inner)})
}

// Inbound is a decoded server frame.
type Inbound struct {
	Type       string
	Identifier string
	Reason     string   // set on disconnect
	Reconnect  bool     // set on disconnect
	Confirm    []string // idents acknowledged by the service
}

// IsConfirmation reports whether the frame acknowledges delivered records.
func (in Inbound) IsConfirmation() bool {
	return in.Type == "" && len(in.Confirm) > 0
}

// ConfirmsFor reports whether the frame acknowledges records sent on channel.
func (in Inbound) ConfirmsFor(channel string) bool {
	return in.IsConfirmation() && in.Identifier == channel
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return Inbound{}, ErrMalformed
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Inbound{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	in := Inbound{
		Type:       root.Get("type").String(),
		Identifier: root.Get("identifier").String(),
	}
	if in.Type == TypeDisconnect {
		in.Reason = root.Get("reason").String()
		in.Reconnect = root.Get("reconnect").Bool()
	}
	root.Get("message.confirm").ForEach(func(_, v gjson.Result) bool {
		in.Confirm = append(in.Confirm, v.String())
		return true
	})
	return in, nil
}
