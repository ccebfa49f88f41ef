package log

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// LogEvent accumulates the fields of one log line as a JSON object.
// A nil *LogEvent is a disabled event: every method is a no-op on it,
// so call sites never check the level themselves.
type LogEvent struct {
	buf    bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	e := &LogEvent{logger: logger}
	e.buf.Grow(256)
	return e
}

// Reset clears the buffer for reuse from the pool.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	appendJSONString(&e.buf, k)
	e.buf.WriteByte(':')
}

func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	appendJSONString(&e.buf, v)
	return e
}

// Stringer logs v.String(), or null when v is nil.
func (e *LogEvent) Stringer(k string, v interface{ String() string }) *LogEvent {
	if e == nil {
		return nil
	}
	if v == nil {
		e.key(k)
		e.buf.WriteString("null")
		return e
	}
	return e.Str(k, v.String())
}

func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendBool(e.buf.AvailableBuffer(), v))
	return e
}

func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	return e.Int64(k, int64(v))
}

func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendInt(e.buf.AvailableBuffer(), v, 10))
	return e
}

func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	return e.Uint64(k, uint64(v))
}

func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Hex32 logs v as a 0x prefixed hex string, the usual spelling of group and function ids.
func (e *LogEvent) Hex32(k string, v uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteString(`"0x`)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), uint64(v), 16))
	e.buf.WriteByte('"')
	return e
}

func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	return e.Str(k, d.String())
}

func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil || t == nil {
		return e
	}
	e.key(k)
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(e.buf.AvailableBuffer(), "2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	return e
}

func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Any logs recovered panic values and other loosely typed data through fmt.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	switch x := v.(type) {
	case nil:
		e.key(k)
		e.buf.WriteString("null")
		return e
	case error:
		return e.Str(k, x.Error())
	case string:
		return e.Str(k, x)
	default:
		return e.Str(k, fmt.Sprint(v))
	}
}

// Msg terminates the event and hands it to the owning logger.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	if msg != "" {
		e.Str("msg", msg)
	}
	e.End()
}

// End terminates the event without a message.
func (e *LogEvent) End() {
	if e == nil {
		return
	}
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

const _hex = "0123456789abcdef"

func appendJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' && c < utf8.RuneSelf {
			i++
			continue
		}
		if c < utf8.RuneSelf {
			buf.WriteString(s[start:i])
			switch c {
			case '"', '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				buf.WriteString(`\u00`)
				buf.WriteByte(_hex[c>>4])
				buf.WriteByte(_hex[c&0xF])
			}
			i++
			start = i
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(s[start:i])
			buf.WriteString(`�`)
			i += size
			start = i
			continue
		}
		i += size
	}
	buf.WriteString(s[start:])
	buf.WriteByte('"')
}
