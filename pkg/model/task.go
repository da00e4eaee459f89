package model

import (
	"errors"
	"strconv"
	"strings"
)

// Task is the canonical description of a client test, as consumed by the
// process supervisor. It is produced from an untrusted request body by
// NormalizeTask and never mutated afterwards.
type Task struct {
	Target     string   `json:"target"`
	Port       int      `json:"port"`
	Proto      string   `json:"proto,omitempty"`
	Duration   int      `json:"duration,omitempty"`
	Parallel   int      `json:"parallel,omitempty"`
	Omit       int      `json:"omit,omitempty"`
	Bitrate    string   `json:"bitrate,omitempty"`
	Length     string   `json:"length,omitempty"`
	Window     string   `json:"window,omitempty"`
	Bind       string   `json:"bind,omitempty"`
	Interval   string   `json:"interval,omitempty"`
	Reverse    bool     `json:"reverse,omitempty"`
	Bidir      bool     `json:"bidir,omitempty"`
	Zerocopy   bool     `json:"zerocopy,omitempty"`
	Bytes      int64    `json:"bytes,omitempty"`
	BlockCount int64    `json:"blockcount,omitempty"`
	LocalPort  int      `json:"local_port,omitempty"`
	TOS        string   `json:"tos,omitempty"`
	ExtraArgs  []string `json:"extra_args,omitempty"`
}

// taskAliases maps accepted alternative field names to canonical ones, in
// application order. The canonical name always wins when both are present,
// and an earlier alias beats a later one ("len" over "bytes" for length).
// "bytes" doubles as its own field: aliasing copies, never consumes, so a
// byte-count task still carries -n alongside the derived block length.
var taskAliases = []struct {
	alias, canonical string
}{
	{"protocol", "proto"},
	{"time", "duration"},
	{"seconds", "duration"},
	{"P", "parallel"},
	{"pairs", "parallel"},
	{"threads", "parallel"},
	{"bandwidth", "bitrate"},
	{"bw", "bitrate"},
	{"len", "length"},
	{"bytes", "length"},
	{"bind_ip", "bind"},
}

// NormalizeTask maps a loosely-typed request body into a canonical Task.
// Field aliases are resolved, string-encoded booleans and numbers are
// coerced, and a raw extra-arguments string is split into tokens. It never
// fails: unresolvable fields are simply omitted.
func NormalizeTask(raw map[string]any) Task {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = v
	}
	for _, a := range taskAliases {
		if v, ok := fields[a.alias]; ok {
			if _, exists := fields[a.canonical]; !exists {
				fields[a.canonical] = v
			}
		}
	}

	var t Task
	t.Target = asString(fields["target"])
	t.Port = asInt(fields["port"])
	t.Proto = strings.ToLower(asString(fields["proto"]))
	t.Duration = asInt(fields["duration"])
	t.Parallel = asInt(fields["parallel"])
	t.Omit = asInt(fields["omit"])
	t.Bitrate = asString(fields["bitrate"])
	t.Length = asString(fields["length"])
	t.Window = asString(fields["window"])
	t.Bind = asString(fields["bind"])
	t.Reverse = asBool(fields["reverse"])
	t.Bidir = asBool(fields["bidir"])
	t.Zerocopy = asBool(fields["zerocopy"])
	t.Bytes = asInt64(fields["bytes"])
	t.BlockCount = asInt64(fields["blockcount"])
	t.LocalPort = asInt(fields["local_port"])
	t.TOS = strings.TrimSpace(asString(fields["tos"]))
	if v := strings.TrimSpace(asString(fields["interval"])); v != "" {
		t.Interval = v
	}
	t.ExtraArgs = asTokens(fields["extra_args"])
	return t
}

// Validate checks the constraints that must hold before a subprocess is
// spawned for this task.
func (t Task) Validate() error {
	if t.Target == "" {
		return errors.New("'target' required")
	}
	if t.Port <= 0 {
		return errors.New("'port' required")
	}
	if t.IsUDP() {
		if t.Bidir {
			return errors.New("UDP cannot use --bidir")
		}
		if t.Parallel > 1 {
			return errors.New("UDP cannot use -P > 1")
		}
	}
	return nil
}

// IsUDP reports whether the task requests a UDP test.
func (t Task) IsUDP() bool {
	return strings.EqualFold(t.Proto, "udp")
}

// DirectionTag returns the single-letter direction marker used in client
// keys: B for bidirectional, R for reverse, F for forward.
func (t Task) DirectionTag() string {
	switch {
	case t.Bidir:
		return "B"
	case t.Reverse:
		return "R"
	default:
		return "F"
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// JSON numbers decode as float64. Render integers without the
		// trailing ".0".
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}

func asInt(v any) int {
	return int(asInt64(v))
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int:
		return int64(x)
	case int64:
		return x
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "on", "y":
			return true
		}
		return false
	case float64:
		return x != 0
	default:
		return false
	}
}

func asTokens(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s := asString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(x)
	default:
		return nil
	}
}
