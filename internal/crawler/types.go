package crawler

import (
	"errors"
	"fmt"
	"time"
)

// ErrBlocked is returned by a guarded fetch when the page is a challenge page.
// Extractors that fetch follow-up pages propagate it so the runner halts.
var ErrBlocked = errors.New("blocked by challenge page")

// ErrHTTPStatus is wrapped by a guarded fetch that got a non-2xx response.
// Such items are skipped and retried, never removed.
var ErrHTTPStatus = errors.New("unexpected http status")

// Succeeded reports whether the page came back with a 2xx status. A zero
// status means the fetcher could not observe one and counts as success.
func (p Page) Succeeded() bool {
	return p.StatusCode == 0 || (p.StatusCode >= 200 && p.StatusCode < 300)
}

// Page is a fetched document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
}

// Record is one output row keyed by column name. Nested sections are stored
// as JSON encoded cells.
type Record map[string]string

// OutcomeKind classifies what happened to one work item.
type OutcomeKind string

// Outcome kinds, dispatched by the runner.
const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeSkip         OutcomeKind = "skip"
	OutcomeUnresolvable OutcomeKind = "unresolvable"
	OutcomeBlocked      OutcomeKind = "blocked"
)

// Outcome is the typed result of processing a single work item.
type Outcome struct {
	Kind    OutcomeKind
	Records []Record
	Err     error
	Page    *Page
}

// Success wraps extracted records.
func Success(records []Record) Outcome {
	return Outcome{Kind: OutcomeSuccess, Records: records}
}

// Skip leaves the item pending for a later batch.
func Skip(err error) Outcome {
	return Outcome{Kind: OutcomeSkip, Err: err}
}

// Unresolvable marks a page that structurally carries no data.
func Unresolvable(page *Page) Outcome {
	return Outcome{Kind: OutcomeUnresolvable, Page: page}
}

// Blocked reports a challenge page.
func Blocked(page *Page) Outcome {
	return Outcome{Kind: OutcomeBlocked, Page: page}
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	}
	return string(o.Kind)
}

// StopReason tells why a batch ended.
type StopReason string

// Stop reasons.
const (
	StopExhausted StopReason = "exhausted"
	StopCapped    StopReason = "capped"
	StopBlocked   StopReason = "blocked"
	StopDeadline  StopReason = "deadline"
	StopCanceled  StopReason = "canceled"
	// StopCompleted means the pending list was walked to its end without
	// reaching the cap; some items may have been skipped.
	StopCompleted StopReason = "completed"
)

// Limits bound one batch.
type Limits struct {
	// MaxItems caps successful items per batch. 0 means no cap.
	MaxItems int
	// MaxDuration bounds wall-clock time per batch. 0 means no limit.
	MaxDuration time.Duration
}

// Identity is the egress endpoint a batch runs behind.
type Identity struct {
	Relay   string `json:"relay,omitempty"`
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	IP      string `json:"ip,omitempty"`
}

func (i Identity) String() string {
	if i.Relay == "" {
		return i.IP
	}
	return fmt.Sprintf("%s (%s/%s) %s", i.Relay, i.Country, i.City, i.IP)
}

// BatchResult is returned by every batch, whichever way it ended.
type BatchResult struct {
	Pipeline      string     `json:"pipeline"`
	Batch         int        `json:"batch"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
	Identity      Identity   `json:"identity"`
	Stop          StopReason `json:"stop"`
	BlockDetected bool       `json:"block_detected"`
	BlockedLink   string     `json:"blocked_link,omitempty"`
	Attempted     int        `json:"attempted"`
	Processed     int        `json:"processed"`
	Removed       int        `json:"removed"`
	Skipped       int        `json:"skipped"`
	Rows          int        `json:"rows"`
	Pending       int        `json:"pending"`
	Records       []Record   `json:"-"`
}

// Exhausted reports whether the frontier had nothing left when the batch began.
func (r BatchResult) Exhausted() bool {
	return r.Stop == StopExhausted
}
