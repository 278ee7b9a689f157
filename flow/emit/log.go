package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes structured event lines to a writer.
//
// Two output modes:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[unit_end] run=r-42 node=Mul unit=Mul[1,0] meta={"duration_ms":12}
//
// Example JSON output:
//
//	{"runID":"r-42","workflow":"wf","node":"Mul","unit":"Mul[1,0]","kind":"unit_end","meta":{"duration_ms":12}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one line per event.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID    string         `json:"runID"`
		Workflow string         `json:"workflow"`
		Node     string         `json:"node,omitempty"`
		Unit     string         `json:"unit,omitempty"`
		Kind     string         `json:"kind"`
		Err      string         `json:"err,omitempty"`
		Meta     map[string]any `json:"meta,omitempty"`
	}{event.RunID, event.Workflow, event.Node, event.Unit, event.Kind, event.Err, event.Meta})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] run=%s", event.Kind, event.RunID)
	if event.Node != "" {
		fmt.Fprintf(l.writer, " node=%s", event.Node)
	}
	if event.Unit != "" {
		fmt.Fprintf(l.writer, " unit=%s", event.Unit)
	}
	if event.Err != "" {
		fmt.Fprintf(l.writer, " err=%q", event.Err)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
