package report

import (
	"encoding/json"
	"testing"
)

func TestIdentifierValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   Identifier
		want bool
	}{
		{"valid", Identifier("abc-123@host_1"), true},
		{"missing host", Identifier("abc-123@"), false},
		{"missing token", Identifier("@host"), false},
		{"missing at", Identifier("abc-123host"), false},
		{"empty", Identifier(""), false},
		{"disallowed char", Identifier("abc.123@host"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewIdentifier(t *testing.T) {
	t.Parallel()

	id, err := NewIdentifier("tok-1", "worker-a")
	if err != nil {
		t.Fatalf("NewIdentifier returned error: %v", err)
	}
	if id != "tok-1@worker-a" {
		t.Errorf("got %q, want %q", id, "tok-1@worker-a")
	}
}

func TestReportRoundTrip(t *testing.T) {
	t.Parallel()

	r := New("worker-a", "tok-1")
	r.Progress.Status = StatusRunning
	r.Progress.Numeric = 42
	r.AppendLog(LogCategoryInfo, NewLogMessage("worker", "starting"))
	r.AppendLog(LogCategoryNetwork, NewLogMessage("worker", "dialing upstream"))
	if err := r.SetData(map[string]int{"exitCode": 0}); err != nil {
		t.Fatalf("SetData: %v", err)
	}

	childID, err := NewIdentifier("tok-2", "worker-b")
	if err != nil {
		t.Fatalf("NewIdentifier: %v", err)
	}
	child := New("worker-b", "tok-2")
	child.Progress.Status = StatusCompleted
	child.Progress.Numeric = 100
	r.SetChild(childID, child)

	first, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("first marshal: %v", err)
	}

	var decoded Report
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	second, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("second marshal: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("serialize(deserialize(R)) != serialize(R)\nfirst:  %s\nsecond: %s", first, second)
	}

	if decoded.Children[childID].Progress.Status != StatusCompleted {
		t.Errorf("child status = %v, want %v", decoded.Children[childID].Progress.Status, StatusCompleted)
	}
	if len(decoded.Log[LogCategoryInfo]) != 1 || len(decoded.Log[LogCategoryNetwork]) != 1 {
		t.Errorf("log sections not preserved: %+v", decoded.Log)
	}
}

func TestReportUnmarshalRejectsInvalidChildKey(t *testing.T) {
	t.Parallel()

	raw := `{"host":"h","token":"t","progress":{"status":"queued","verbose":"","numeric":0},"children":{"not-an-identifier":{"host":"h2","token":"t2","progress":{"status":"queued","verbose":"","numeric":0}}}}`

	var r Report
	err := json.Unmarshal([]byte(raw), &r)
	if err == nil {
		t.Fatal("expected error for invalid child identifier, got nil")
	}
}

func TestProgressClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want int
	}{
		{-5, 0},
		{150, 100},
		{42, 42},
	}

	for _, tt := range tests {
		p := Progress{Numeric: tt.in}
		p.Clamp()
		if p.Numeric != tt.want {
			t.Errorf("Clamp(%d) = %d, want %d", tt.in, p.Numeric, tt.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	t.Parallel()

	if !StatusRunning.Valid() {
		t.Error("StatusRunning should be valid")
	}
	if Status("bogus").Valid() {
		t.Error("bogus status should not be valid")
	}
}

func TestLogCategoryValid(t *testing.T) {
	t.Parallel()

	if !LogCategorySecurity.Valid() {
		t.Error("LogCategorySecurity should be valid")
	}
	if LogCategory("NOT_REAL").Valid() {
		t.Error("bogus category should not be valid")
	}
}
