package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/you/wikifeed/internal/core"
)

// Placeholder substitutes for string fields absent upstream, so the store
// never sees NULLs.
const Placeholder = "(unknown)"

const timestampLayout = "2006-01-02 15:04:05"

// Skip reasons, used as counter labels by the pipeline.
const (
	ReasonFrame       = "frame"
	ReasonDecode      = "decode"
	ReasonMissingType = "missing_type"
	ReasonFiltered    = "filtered"
	ReasonTimestamp   = "timestamp"
)

// SkipError marks an event that is dropped without affecting the stream.
type SkipError struct {
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("normalize: skip (%s)", e.Reason)
	}
	return fmt.Sprintf("normalize: skip (%s): %v", e.Reason, e.Err)
}

func (e *SkipError) Unwrap() error { return e.Err }

func skip(reason string, err error) error {
	return &SkipError{Reason: reason, Err: err}
}

// FromRaw filters and normalizes one frame. Frames that are not change
// events, fail to decode, or carry a type outside {edit, new} return a
// *SkipError; no error here is ever fatal to the pipeline.
//
// This stage is purely functional: no I/O, no shared state.
func FromRaw(raw core.RawEvent) (core.NormalizedRecord, error) {
	if raw.Event != "message" || strings.TrimSpace(raw.Data) == "" {
		return core.NormalizedRecord{}, skip(ReasonFrame, nil)
	}

	var ev core.ChangeEvent
	if err := json.Unmarshal([]byte(raw.Data), &ev); err != nil {
		return core.NormalizedRecord{}, skip(ReasonDecode, err)
	}
	if ev.Type == "" {
		return core.NormalizedRecord{}, skip(ReasonMissingType, nil)
	}
	if ev.Type != "edit" && ev.Type != "new" {
		return core.NormalizedRecord{}, skip(ReasonFiltered, nil)
	}

	ts, err := Timestamp(ev.Meta.DT)
	if err != nil {
		return core.NormalizedRecord{}, skip(ReasonTimestamp, err)
	}

	var oldLen, newLen int
	if ev.Length != nil {
		oldLen = ev.Length.Old
		newLen = ev.Length.New
	}

	return core.NormalizedRecord{
		RawJSON:         raw.Data,
		EventTimestamp:  ts,
		Title:           defaultString(ev.Title),
		TitleURL:        defaultString(ev.TitleURL),
		Bot:             int(ev.Bot),
		Username:        defaultString(ev.User),
		LengthBytesOld:  oldLen,
		LengthBytesNew:  newLen,
		LengthDiffBytes: oldLen - newLen,
	}, nil
}

// Timestamp converts an ISO-8601 timestamp into the store-native sortable
// text form. Offset-suffixed inputs are converted to UTC rather than
// rejected; unparseable inputs are an error and the event is skipped.
func Timestamp(dt string) (string, error) {
	dt = strings.TrimSpace(dt)
	if dt == "" {
		return "", fmt.Errorf("empty meta.dt")
	}
	t, err := time.Parse(time.RFC3339, dt)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(timestampLayout), nil
}

func defaultString(s string) string {
	if s == "" {
		return Placeholder
	}
	return s
}
