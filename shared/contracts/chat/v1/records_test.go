package v1

import (
	"testing"
	"time"
)

func TestDecodeMessageList_ShapeTolerance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{name: "bare array", raw: `[{"room_id":7,"body":"a"}]`},
		{name: "single wrap", raw: `{"data":[{"room_id":7,"body":"a"}]}`},
		{name: "double wrap", raw: `{"data":{"data":[{"room_id":7,"body":"a"}]}}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			msgs := DecodeMessageList([]byte(tc.raw))
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if msgs[0].Body != "a" || msgs[0].RoomID != 7 {
				t.Fatalf("unexpected record: %+v", msgs[0])
			}
		})
	}
}

func TestDecodeMessageList_MalformedYieldsEmpty(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{}`,
		`{"data":{}}`,
		`{"data":{"data":{}}}`,
		`"nope"`,
		`{"data":"nope"}`,
		``,
	}

	for _, raw := range cases {
		if got := DecodeMessageList([]byte(raw)); len(got) != 0 {
			t.Fatalf("DecodeMessageList(%q): expected empty, got %d", raw, len(got))
		}
	}
}

func TestParseCreatedAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if got := ParseCreatedAt("2026-08-01T10:30:00Z", now); !got.Equal(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339 parse: got %v", got)
	}
	if got := ParseCreatedAt("", now); !got.Equal(now) {
		t.Fatalf("empty should default to now, got %v", got)
	}
	if got := ParseCreatedAt("not-a-time", now); !got.Equal(now) {
		t.Fatalf("malformed should default to now, got %v", got)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeMessage}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	bad := []Envelope{
		{V: "", Type: TypeMessage},
		{V: "v0", Type: TypeMessage},
		{V: Version, Type: ""},
		{V: Version, Type: "chat:unknown"},
	}
	for _, e := range bad {
		if err := e.Validate(); err == nil {
			t.Fatalf("expected validation error for %+v", e)
		}
	}
}
