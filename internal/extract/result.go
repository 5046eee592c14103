package extract

import (
	"fmt"

	"github.com/sells-group/stagegate/internal/model"
)

// Stage is where in the pipeline a skip happened.
type Stage string

const (
	StageConfig Stage = "config"
	StageFetch  Stage = "fetch"
	StageParse  Stage = "parse"
	StageRecord Stage = "record"
)

// Reason classifies a skip.
type Reason string

const (
	ReasonMissingRules Reason = "missing_rules"
	ReasonInvalidRules Reason = "invalid_rules"
	ReasonFetchFailed  Reason = "fetch_failed"
	ReasonParseFailed  Reason = "parse_failed"
	ReasonMissingName  Reason = "missing_name"
	ReasonCancelled    Reason = "cancelled"
	ReasonBadURL       Reason = "bad_url"
	ReasonBlocked      Reason = "blocked"
	ReasonCircuitOpen  Reason = "circuit_open"
	ReasonSourceFailed Reason = "source_failed"
)

// Skip records one unit of work (a source, a URL, or a record) that produced
// nothing. Skips are values, not errors: extraction always carries on.
type Skip struct {
	Source string     `json:"source"`
	Kind   model.Kind `json:"kind"`
	Stage  Stage      `json:"stage"`
	URL    string     `json:"url,omitempty"`
	Reason Reason     `json:"reason"`
	Err    error      `json:"-"`
}

func (s Skip) String() string {
	msg := fmt.Sprintf("%s/%s %s: %s", s.Source, s.Kind, s.Stage, s.Reason)
	if s.URL != "" {
		msg += " " + s.URL
	}
	if s.Err != nil {
		msg += ": " + s.Err.Error()
	}
	return msg
}

// Extracted is one raw record and the page or endpoint it came from.
type Extracted struct {
	Record    model.Record
	SourceURL string
}

// Result is everything one source produced for one kind.
type Result struct {
	Records []Extracted
	Skips   []Skip
}

// SkipCounts tallies skips by reason.
func (r Result) SkipCounts() map[Reason]int {
	out := make(map[Reason]int, len(r.Skips))
	for _, s := range r.Skips {
		out[s.Reason]++
	}
	return out
}
