package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxLineBytes bounds a single trace line when scanning streams.
const maxLineBytes = 1024 * 1024

// ParseValue decodes a JSON document into a Value, preserving object member
// order and integer-ness (integer literals become int, everything else
// float).
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if dec.More() {
		return Value{}, fmt.Errorf("trailing data after JSON document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var members []Member
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is not a string: %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				members = append(members, Member{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Value{}, err
			}
			return Object(members...), nil
		case '[':
			var items []Value
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Value{}, err
			}
			return Array(items...), nil
		}
		return Value{}, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return String(t), nil
	case json.Number:
		lit := t.String()
		if !strings.ContainsAny(lit, ".eE") {
			if i, err := t.Int64(); err == nil {
				return Int(i), nil
			}
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("bad number literal %q", lit)
		}
		return Float(f), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// ParseLine decodes one canonical JSONL line into a typed event.
func ParseLine(line []byte) (Event, error) {
	doc, err := ParseValue(line)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if doc.Kind() != KindObject {
		return nil, fmt.Errorf("event is not a JSON object")
	}
	typ, err := fieldString(doc, "type")
	if err != nil {
		return nil, err
	}

	episodeID, err := fieldString(doc, "episode_id")
	if err != nil {
		return nil, err
	}
	ts, err := fieldInt(doc, "timestamp")
	if err != nil {
		return nil, err
	}

	switch Type(typ) {
	case TypeEpisodeStart:
		input, ok := doc.Get("input")
		if !ok || input.Kind() != KindObject {
			return nil, fmt.Errorf("episode_start: missing input object")
		}
		prompt, _ := input.Get("prompt")
		return &EpisodeStartEvent{
			EpisodeID: episodeID,
			Timestamp: ts,
			Prompt:    prompt.Str(),
			Meta:      fieldMeta(doc),
		}, nil

	case TypeStep:
		stepID, err := fieldString(doc, "step_id")
		if err != nil {
			return nil, err
		}
		idx, err := fieldInt(doc, "idx")
		if err != nil {
			return nil, err
		}
		kind, err := fieldString(doc, "kind")
		if err != nil {
			return nil, err
		}
		name, _ := doc.Get("name")
		content, _ := doc.Get("content")
		return &StepEvent{
			EpisodeID: episodeID,
			StepID:    stepID,
			Idx:       int(idx),
			Timestamp: ts,
			Kind:      kind,
			Name:      name.Str(),
			Content:   content.Str(),
			Meta:      fieldMeta(doc),
		}, nil

	case TypeToolCall:
		stepID, err := fieldString(doc, "step_id")
		if err != nil {
			return nil, err
		}
		toolName, err := fieldString(doc, "tool_name")
		if err != nil {
			return nil, err
		}
		callIndex, err := fieldInt(doc, "call_index")
		if err != nil {
			return nil, err
		}
		args, ok := doc.Get("args")
		if !ok {
			return nil, fmt.Errorf("tool_call: missing args")
		}
		result := Null()
		if wrapped, ok := doc.Get("result"); ok && !wrapped.IsNull() {
			inner, ok := wrapped.Get("value")
			if !ok {
				return nil, fmt.Errorf("tool_call: result is not wrapped as {value: ...}")
			}
			result = inner
		}
		errStr := ""
		if ev, ok := doc.Get("error"); ok && !ev.IsNull() {
			errStr = ev.Str()
		}
		return &ToolCallEvent{
			EpisodeID: episodeID,
			StepID:    stepID,
			Timestamp: ts,
			ToolName:  toolName,
			CallIndex: int(callIndex),
			Args:      args,
			Result:    result,
			Error:     errStr,
		}, nil

	case TypeEpisodeEnd:
		outcome, err := fieldString(doc, "outcome")
		if err != nil {
			return nil, err
		}
		finalOutput, _ := doc.Get("final_output")
		return &EpisodeEndEvent{
			EpisodeID:   episodeID,
			Timestamp:   ts,
			Outcome:     Outcome(outcome),
			FinalOutput: finalOutput,
			Meta:        fieldMeta(doc),
		}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", typ)
}

// ParseStream reads newline-delimited canonical events. Blank lines are
// skipped; the first malformed line fails the whole read (tolerant scanning
// belongs to the validator).
func ParseStream(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	var events []Event
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return events, nil
}

func fieldString(doc Value, key string) (string, error) {
	v, ok := doc.Get(key)
	if !ok || v.Kind() != KindString {
		return "", fmt.Errorf("missing or non-string field %q", key)
	}
	return v.Str(), nil
}

func fieldInt(doc Value, key string) (int64, error) {
	v, ok := doc.Get(key)
	if !ok || v.Kind() != KindInt {
		return 0, fmt.Errorf("missing or non-integer field %q", key)
	}
	return v.Int64(), nil
}

func fieldMeta(doc Value) Value {
	meta, ok := doc.Get("meta")
	if !ok || meta.Kind() != KindObject {
		return Object()
	}
	return meta
}
