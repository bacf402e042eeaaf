package sandbox

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestScanBlocksRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewBlockWriter(&buf)
	buf.WriteString("agent booting\n")
	if err := w.Write(Block{StreamText: "Hel"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(TextResult(StatusSuccess, "Hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var blocks []Block
	var other []string
	malformed, err := ScanBlocks(&buf, func(b Block) { blocks = append(blocks, b) }, func(line string) { other = append(other, line) })
	if err != nil || malformed != 0 {
		t.Fatalf("scan err=%v malformed=%d", err, malformed)
	}
	if len(blocks) != 2 {
		t.Fatalf("got=%d blocks want=2", len(blocks))
	}
	if !blocks[0].IsStreamText() || blocks[0].StreamText != "Hel" {
		t.Fatalf("unexpected stream block %+v", blocks[0])
	}
	if blocks[1].IsStreamText() || blocks[1].ResultText() != "Hello" {
		t.Fatalf("unexpected result block %+v", blocks[1])
	}
	if len(other) != 1 || other[0] != "agent booting" {
		t.Fatalf("got=%q want=[agent booting]", other)
	}
}

func TestScanBlocksCountsMalformed(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		OutputStartMarker, "{not json", OutputEndMarker,
		OutputStartMarker, `{"status":"success","result":"ok"}`, OutputEndMarker,
		OutputStartMarker, `{"status":"success"`,
	}, "\n")
	var results []string
	malformed, err := ScanBlocks(strings.NewReader(input), func(b Block) { results = append(results, b.ResultText()) }, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if malformed != 2 {
		t.Fatalf("got=%d want=2", malformed)
	}
	if len(results) != 1 || results[0] != "ok" {
		t.Fatalf("got=%q want=[ok]", results)
	}
}

func TestResultText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
	}{
		{`null`, ""},
		{``, ""},
		{`"plain"`, "plain"},
		{`{"a":1}`, `{"a":1}`},
	}
	for _, tc := range cases {
		b := Block{Result: json.RawMessage(tc.raw)}
		if got := b.ResultText(); got != tc.want {
			t.Fatalf("raw=%s got=%q want=%q", tc.raw, got, tc.want)
		}
	}
}
