package core

// RawEvent is one decoded frame from the event-stream wire protocol: the
// event label plus the payload exactly as the server sent it. The stream
// client never inspects the payload.
type RawEvent struct {
	Event string
	ID    string
	Data  string
}

// ChangeEvent is the decoded recentchange payload. Only the fields the
// pipeline consumes are declared; everything else survives in the raw JSON.
type ChangeEvent struct {
	Type     string   `json:"type"`
	Meta     Meta     `json:"meta"`
	Title    string   `json:"title"`
	TitleURL string   `json:"title_url"`
	User     string   `json:"user"`
	Bot      FlexBool `json:"bot"`
	Length   *Length  `json:"length"`
}

// Meta carries stream metadata about a change event.
type Meta struct {
	URI    string `json:"uri"`
	DT     string `json:"dt"`
	Domain string `json:"domain"`
	Stream string `json:"stream"`
}

// Length holds article byte sizes before and after a revision.
type Length struct {
	Old int `json:"old"`
	New int `json:"new"`
}

// FlexBool decodes a JSON boolean into 0/1. Anything that is not the literal
// true (missing, null, strings, numbers) decodes to 0 rather than failing the
// whole event.
type FlexBool int

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	if string(data) == "true" {
		*b = 1
	} else {
		*b = 0
	}
	return nil
}

// NormalizedRecord is the unified structure written to SQLite. ID is assigned
// by the store on insert and is zero until then.
type NormalizedRecord struct {
	ID              int64  `json:"id"`
	RawJSON         string `json:"raw_json"`
	EventTimestamp  string `json:"event_timestamp"` // "2006-01-02 15:04:05", UTC
	Title           string `json:"title"`
	TitleURL        string `json:"title_url"`
	Bot             int    `json:"bot"`
	Username        string `json:"username"`
	LengthBytesOld  int    `json:"length_bytes_old"`
	LengthBytesNew  int    `json:"length_bytes_new"`
	LengthDiffBytes int    `json:"length_diff_bytes"`
}
