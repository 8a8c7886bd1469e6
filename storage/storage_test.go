package storage

import "testing"

func TestNewSecureID(t *testing.T) {
	tests := []struct {
		name string
		len  int
		want int
	}{
		{"length 16", 16, 25},
		{"length 32", 32, 51},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := newSecureID(tt.len)
			if len(id) != tt.want {
				t.Errorf("newSecureID() got length %d, want %d", len(id), tt.want)
			}
		})
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Error("NewID() returned the same value twice")
	}
	if len(a) == 0 {
		t.Error("NewID() returned empty id")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	type rec struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}

	in := rec{Name: "a", N: 3}
	m, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out rec
	if err := Unmarshal(m, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip got %+v, want %+v", out, in)
	}
}

func TestIsErrorCode(t *testing.T) {
	err := NotFound("sessions", "abc")
	if !IsErrorCode(err, ErrNotFound) {
		t.Error("expected ErrNotFound code")
	}
	if IsErrorCode(err, ErrConflict) {
		t.Error("did not expect ErrConflict code")
	}
	if IsErrorCode(errParentTest, ErrNotFound) {
		t.Error("a plain error must never report a storage error code")
	}
}

var errParentTest = errPlain("boom")

type errPlain string

func (e errPlain) Error() string { return string(e) }
