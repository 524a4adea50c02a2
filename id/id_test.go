package id_test

import (
	"encoding/json"
	"testing"

	"github.com/StratusCode/paralyze/id"
)

func TestNewHasPrefix(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() id.ID
		prefix id.Prefix
	}{
		{"owner", id.NewOwnerID, id.PrefixOwner},
		{"task", id.NewTaskID, id.PrefixTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.gen()
			if got.IsNil() {
				t.Fatal("generated ID is nil")
			}
			if got.Prefix() != tt.prefix {
				t.Errorf("Prefix() = %q, want %q", got.Prefix(), tt.prefix)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := id.NewTaskID()

	parsed, err := id.ParseTaskID(orig.String())
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", parsed, orig)
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	ownerID := id.NewOwnerID()

	if _, err := id.ParseTaskID(ownerID.String()); err == nil {
		t.Error("ParseTaskID accepted an owner ID")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-a-typeid", "task_!!!"} {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestNilID(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", id.Nil.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := id.NewOwnerID()

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if decoded.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", decoded, orig)
	}
}

func TestSQLValueScan(t *testing.T) {
	orig := id.NewTaskID()

	v, err := orig.Value()
	if err != nil {
		t.Fatalf("unexpected value error: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("unexpected scan error: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", scanned, orig)
	}

	var fromNull id.ID
	if err := fromNull.Scan(nil); err != nil {
		t.Fatalf("unexpected scan error: %v", err)
	}
	if !fromNull.IsNil() {
		t.Error("scanning NULL did not produce the nil ID")
	}
}

func TestProcessOwnerIDIsStable(t *testing.T) {
	a, b := id.ProcessOwnerID(), id.ProcessOwnerID()
	if a.String() != b.String() {
		t.Errorf("ProcessOwnerID not stable: %q != %q", a, b)
	}
	if a.Prefix() != id.PrefixOwner {
		t.Errorf("ProcessOwnerID prefix = %q, want %q", a.Prefix(), id.PrefixOwner)
	}
}
