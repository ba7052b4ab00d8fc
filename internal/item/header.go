package item

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record files carry a structured key-value header block followed by a blank
// line and a free-text body. Header fields are the only fields the
// orchestration layer reads; the body is opaque.
//
//	type: work_item
//	id: 20260826T101500-a1b2c3d4e5f6
//	kind: mail
//	status: pending_approval
//	...
//
//	<body>

const paramPrefix = "param_"

// reserved header keys, owned by the orchestration layer. Producer metadata
// keys that collide with these are dropped on encode.
var reservedKeys = map[string]bool{
	"type": true, "id": true, "kind": true, "status": true,
	"priority": true, "risk": true, "received": true, "transitioned": true,
	"connector": true, "approval_risk": true, "approval_created": true,
	"approval_expires": true, "result": true, "error": true,
}

// EncodeRecord renders a work item as a record file.
func EncodeRecord(w WorkItem) []byte {
	var b bytes.Buffer
	writeField := func(key, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", key, sanitizeHeaderValue(value))
	}

	writeField("type", "work_item")
	writeField("id", w.ID)
	writeField("kind", string(w.Kind))
	writeField("status", string(w.State))
	writeField("priority", string(w.Priority))
	writeField("risk", string(w.Risk))
	writeField("received", formatTime(w.CreatedAt))
	writeField("transitioned", formatTime(w.TransitionedAt))

	if w.Approval != nil {
		writeField("connector", w.Approval.Connector)
		writeField("approval_risk", string(w.Approval.Risk))
		writeField("approval_created", formatTime(w.Approval.CreatedAt))
		writeField("approval_expires", formatTime(w.Approval.ExpiresAt))
		for _, k := range sortedKeys(w.Approval.Params) {
			writeField(paramPrefix+k, w.Approval.Params[k])
		}
	}

	writeField("result", w.Result)
	writeField("error", w.LastError)

	for _, k := range sortedKeys(w.Meta) {
		if reservedKeys[k] || strings.HasPrefix(k, paramPrefix) {
			continue
		}
		writeField(k, w.Meta[k])
	}

	b.WriteByte('\n')
	b.WriteString(w.Body)
	return b.Bytes()
}

// DecodeRecord parses a record file back into a work item.
func DecodeRecord(data []byte) (WorkItem, error) {
	var w WorkItem
	var approval ApprovalRequest
	hasApproval := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	inHeader := true
	var body strings.Builder

	for sc.Scan() {
		line := sc.Text()
		if inHeader {
			if line == "" {
				inHeader = false
				continue
			}
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return WorkItem{}, fmt.Errorf("malformed header line %q", line)
			}
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)

			switch key {
			case "type":
				if value != "work_item" {
					return WorkItem{}, fmt.Errorf("unexpected record type %q", value)
				}
			case "id":
				w.ID = value
			case "kind":
				w.Kind = Kind(value)
			case "status":
				w.State = State(value)
			case "priority":
				w.Priority = Priority(value)
			case "risk":
				w.Risk = Risk(value)
			case "received":
				t, err := parseTime(value)
				if err != nil {
					return WorkItem{}, fmt.Errorf("parsing received: %w", err)
				}
				w.CreatedAt = t
			case "transitioned":
				t, err := parseTime(value)
				if err != nil {
					return WorkItem{}, fmt.Errorf("parsing transitioned: %w", err)
				}
				w.TransitionedAt = t
			case "connector":
				approval.Connector = value
				hasApproval = true
			case "approval_risk":
				approval.Risk = Risk(value)
				hasApproval = true
			case "approval_created":
				t, err := parseTime(value)
				if err != nil {
					return WorkItem{}, fmt.Errorf("parsing approval_created: %w", err)
				}
				approval.CreatedAt = t
			case "approval_expires":
				t, err := parseTime(value)
				if err != nil {
					return WorkItem{}, fmt.Errorf("parsing approval_expires: %w", err)
				}
				approval.ExpiresAt = t
			case "result":
				w.Result = value
			case "error":
				w.LastError = value
			default:
				if strings.HasPrefix(key, paramPrefix) {
					if approval.Params == nil {
						approval.Params = make(map[string]string)
					}
					approval.Params[strings.TrimPrefix(key, paramPrefix)] = value
					hasApproval = true
					continue
				}
				if w.Meta == nil {
					w.Meta = make(map[string]string)
				}
				w.Meta[key] = value
			}
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return WorkItem{}, fmt.Errorf("scanning record: %w", err)
	}

	if w.ID == "" {
		return WorkItem{}, fmt.Errorf("record missing id header")
	}
	if !w.State.Valid() {
		return WorkItem{}, fmt.Errorf("record %s has unknown status %q", w.ID, w.State)
	}
	if hasApproval {
		w.Approval = &approval
	}
	w.Body = strings.TrimSuffix(body.String(), "\n")
	return w, nil
}

// sanitizeHeaderValue keeps header lines one-per-field. Newlines in values
// would corrupt the block, so they are flattened.
func sanitizeHeaderValue(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
