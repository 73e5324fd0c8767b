// Package gate turns the raw stream of partial/final transcript events from
// an upstream recognizer into a stream of stable, deduplicated Utterances
// ready for translation. It is a single-goroutine state machine: Gate.Feed
// and Gate.Tick own the buffer map and dedup set without a mutex, matching
// the teacher's ManagedStream's single-owner-goroutine discipline for its
// VAD/barge-in state (managed_stream.go).
package gate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes a partial (provisional, may be revised) event from a
// final (terminal) one.
type Kind int

const (
	PartialKind Kind = iota
	FinalKind
)

// Event is the gate's internal tagged-variant representation of an upstream
// transcript message. StabilityScore is a pointer so "no score reported" is
// distinguishable from "scored zero".
type Event struct {
	Kind             Kind
	ResultID         string
	Text             string
	StabilityScore   *float64
	SessionID        string
	SourceLanguage   string
	StartTime        time.Time
	EndTime          time.Time
	ArrivalTimestamp time.Time
}

// wireItem is one entry of the upstream event's "items" array: a word/token
// with an optional per-item stability score.
type wireItem struct {
	Stability *float64 `json:"stability"`
	Content   string   `json:"content"`
}

// wireAlternative is one entry of the upstream event's "alternatives"
// array: a candidate transcript. The best transcript is alternatives[0].
type wireAlternative struct {
	Transcript string `json:"transcript"`
}

// wireEvent is the JSON shape accepted from upstream, matching spec.md §6's
// interface I exactly: isPartial discriminates the tag (the negation of
// this package's FinalKind), the text lives at alternatives[0].transcript,
// and the stability score is items[0].stability when present.
type wireEvent struct {
	IsPartial    bool              `json:"isPartial"`
	ResultID     string            `json:"resultId"`
	StartTime    float64           `json:"startTime"`
	EndTime      float64           `json:"endTime"`
	Items        []wireItem        `json:"items"`
	Alternatives []wireAlternative `json:"alternatives"`
}

// DecodeEvent parses a raw upstream transcript message into an Event.
// sessionID and sourceLanguage are supplied by the caller (the speak
// socket's own session context) since interface I's wire schema carries
// neither — a transcript event only ever arrives on the socket already
// scoped to one session. Malformed payloads (invalid JSON, empty resultId,
// no alternatives) are reported as an error so the caller can drop them and
// bump a metric, rather than feeding a zero-value Event into the gate.
func DecodeEvent(raw []byte, sessionID, sourceLanguage string, arrivalTimestamp time.Time) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("gate: malformed event: %w", err)
	}
	if strings.TrimSpace(w.ResultID) == "" {
		return Event{}, fmt.Errorf("gate: event missing resultId")
	}
	if len(w.Alternatives) == 0 {
		return Event{}, fmt.Errorf("gate: event missing alternatives")
	}

	kind := FinalKind
	if w.IsPartial {
		kind = PartialKind
	}

	var stability *float64
	if len(w.Items) > 0 {
		stability = w.Items[0].Stability
	}

	epoch := time.Unix(0, 0).UTC()
	e := Event{
		Kind:             kind,
		ResultID:         w.ResultID,
		Text:             w.Alternatives[0].Transcript,
		StabilityScore:   stability,
		SessionID:        sessionID,
		SourceLanguage:   sourceLanguage,
		StartTime:        epoch.Add(time.Duration(w.StartTime * float64(time.Second))),
		EndTime:          epoch.Add(time.Duration(w.EndTime * float64(time.Second))),
		ArrivalTimestamp: arrivalTimestamp,
	}
	return e, nil
}
