package report

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// identifierPattern matches the ReportIdentifier grammar used to key a
// Report's children: <token>@<host>.
var identifierPattern = regexp.MustCompile(`^[0-9a-zA-Z_-]+@[0-9a-zA-Z_-]+$`)

// Identifier is a validated ReportIdentifier of the form "<token>@<host>".
type Identifier string

// NewIdentifier builds and validates an Identifier from a token and a host.
func NewIdentifier(token, host string) (Identifier, error) {
	id := Identifier(fmt.Sprintf("%s@%s", token, host))
	if !id.Valid() {
		return "", fmt.Errorf("report: invalid identifier %q", id)
	}
	return id, nil
}

// Valid reports whether id matches the ReportIdentifier grammar.
func (id Identifier) Valid() bool {
	return identifierPattern.MatchString(string(id))
}

// Report is the full state snapshot of a job: its progress, accumulated
// logs, arbitrary result data, and the reports of any children it spawned.
type Report struct {
	Host     string                       `json:"host"`
	Token    string                       `json:"token"`
	Args     map[string]any               `json:"args,omitempty"`
	Progress Progress                     `json:"progress"`
	Log      map[LogCategory][]LogMessage `json:"log,omitempty"`
	Data     json.RawMessage              `json:"data,omitempty"`
	Children map[Identifier]Report        `json:"children,omitempty"`
}

// New returns an empty, queued Report for the given host/token pair.
func New(host, token string) Report {
	return Report{
		Host:     host,
		Token:    token,
		Progress: NewProgress(),
		Log:      make(map[LogCategory][]LogMessage),
		Children: make(map[Identifier]Report),
	}
}

// AppendLog appends a message under category, creating the section if absent.
func (r *Report) AppendLog(category LogCategory, msg LogMessage) {
	if r.Log == nil {
		r.Log = make(map[LogCategory][]LogMessage)
	}
	r.Log[category] = append(r.Log[category], msg)
}

// SetChild inserts or replaces the report of a child job keyed by its
// ReportIdentifier.
func (r *Report) SetChild(id Identifier, child Report) {
	if r.Children == nil {
		r.Children = make(map[Identifier]Report)
	}
	r.Children[id] = child
}

// SetData marshals v and stores it as the Report's opaque result payload.
func (r *Report) SetData(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("report: marshal data: %w", err)
	}
	r.Data = raw
	return nil
}

// reportJSON mirrors Report with validated Identifier keys kept as plain
// strings on the wire, matching the custom-marshal pattern used for opaque
// fields elsewhere in this module.
type reportJSON struct {
	Host     string                       `json:"host"`
	Token    string                       `json:"token"`
	Args     map[string]any               `json:"args,omitempty"`
	Progress Progress                     `json:"progress"`
	Log      map[LogCategory][]LogMessage `json:"log,omitempty"`
	Data     json.RawMessage              `json:"data,omitempty"`
	Children map[string]Report            `json:"children,omitempty"`
}

// MarshalJSON implements custom marshaling so Children keys round-trip as
// plain strings without requiring Identifier to implement TextMarshaler.
func (r Report) MarshalJSON() ([]byte, error) {
	raw := reportJSON{
		Host:     r.Host,
		Token:    r.Token,
		Args:     r.Args,
		Progress: r.Progress,
		Log:      r.Log,
		Data:     r.Data,
	}
	if len(r.Children) > 0 {
		raw.Children = make(map[string]Report, len(r.Children))
		for id, child := range r.Children {
			raw.Children[string(id)] = child
		}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements custom unmarshaling, validating each child key
// against the ReportIdentifier grammar.
func (r *Report) UnmarshalJSON(data []byte) error {
	var raw reportJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Host = raw.Host
	r.Token = raw.Token
	r.Args = raw.Args
	r.Progress = raw.Progress
	r.Log = raw.Log
	r.Data = raw.Data

	if len(raw.Children) > 0 {
		r.Children = make(map[Identifier]Report, len(raw.Children))
		for key, child := range raw.Children {
			id := Identifier(key)
			if !id.Valid() {
				return fmt.Errorf("report: invalid child identifier %q", key)
			}
			r.Children[id] = child
		}
	}

	return nil
}
