package upstream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, r *EventReader) []string {
	t.Helper()
	var out []string
	for {
		v, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, v)
	}
}

func TestEventReader_AggregatesMultiLineData(t *testing.T) {
	t.Parallel()

	in := strings.Join([]string{
		"data: {\"usage\":{\"input_tokens\":1,",
		"data: \"output_tokens\":2}}",
		"",
		"",
	}, "\n")
	got := readAll(t, NewEventReader(strings.NewReader(in), 64<<10))
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got=%d (%v)", len(got), got)
	}
	if want := "{\"usage\":{\"input_tokens\":1,\n\"output_tokens\":2}}"; got[0] != want {
		t.Fatalf("unexpected payload: %q", got[0])
	}
}

func TestEventReader_SkipsCommentsAndFields(t *testing.T) {
	t.Parallel()

	in := ": ping\r\n\r\n" +
		"event: content_block_delta\r\n" +
		"data: a\r\n\r\n" +
		"id: 2\n" +
		"data: b\n\n" +
		"data: [DONE]"
	got := readAll(t, NewEventReader(strings.NewReader(in), 64<<10))
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "[DONE]" {
		t.Fatalf("unexpected events: %q", got)
	}
}

func TestEventReader_AllowsLargeDataLine(t *testing.T) {
	t.Parallel()

	large := strings.Repeat("a", 128<<10)
	in := "data: {\"pad\":\"" + large + "\"}\n\n"
	got := readAll(t, NewEventReader(strings.NewReader(in), 256<<10))
	if len(got) != 1 || len(got[0]) != len(large)+10 {
		t.Fatalf("unexpected payload size")
	}
}

func TestEventReader_TooLarge(t *testing.T) {
	t.Parallel()

	in := "data: " + strings.Repeat("x", 4096) + "\n\n"
	r := NewEventReader(strings.NewReader(in), 1024)
	if _, err := r.Next(); !errors.Is(err, ErrSSEEventTooLarge) {
		t.Fatalf("expected ErrSSEEventTooLarge, got=%v", err)
	}
}
