package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	OutputStartMarker = "---CRABCLAW_OUTPUT_START---"
	OutputEndMarker   = "---CRABCLAW_OUTPUT_END---"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Block is one marker-delimited JSON object on the sandbox stdout.
type Block struct {
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result"`
	NewSessionID  string          `json:"newSessionId,omitempty"`
	StreamText    string          `json:"streamText,omitempty"`
	IsStreamChunk bool            `json:"isStreamChunk,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// IsStreamText reports whether the block carries a partial text delta rather
// than a result.
func (b Block) IsStreamText() bool {
	return b.StreamText != ""
}

// ResultText renders the result as text. String results are unquoted, other
// JSON values are returned verbatim and null is empty.
func (b Block) ResultText() string {
	raw := strings.TrimSpace(string(b.Result))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Result, &s); err == nil {
		return s
	}
	return raw
}

// TextResult builds a result block for a plain text answer.
func TextResult(status, text string) Block {
	encoded, _ := json.Marshal(text)
	return Block{Status: status, Result: encoded}
}

// BlockWriter serializes blocks onto a shared stdout.
type BlockWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBlockWriter(w io.Writer) *BlockWriter {
	return &BlockWriter{w: w}
}

func (bw *BlockWriter) Write(b Block) error {
	if b.Status == "" {
		b.Status = StatusSuccess
	}
	if len(b.Result) == 0 {
		b.Result = json.RawMessage("null")
	}
	encoded, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal output block: %w", err)
	}
	bw.mu.Lock()
	defer bw.mu.Unlock()
	_, err = fmt.Fprintf(bw.w, "%s\n%s\n%s\n", OutputStartMarker, encoded, OutputEndMarker)
	return err
}

// ScanBlocks reads r until EOF and calls fn for every complete block as soon
// as its end marker arrives. Lines outside markers are passed to other.
// It returns the number of malformed blocks.
func ScanBlocks(r io.Reader, fn func(Block), other func(line string)) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		inside    bool
		body      strings.Builder
		malformed int
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.TrimSpace(line) == OutputStartMarker:
			inside = true
			body.Reset()
		case strings.TrimSpace(line) == OutputEndMarker && inside:
			inside = false
			var block Block
			if err := json.Unmarshal([]byte(body.String()), &block); err != nil {
				malformed++
				continue
			}
			fn(block)
		case inside:
			body.WriteString(line)
			body.WriteByte('\n')
		default:
			if other != nil {
				other(line)
			}
		}
	}
	if inside {
		malformed++
	}
	return malformed, scanner.Err()
}
