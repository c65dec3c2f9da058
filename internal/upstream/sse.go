package upstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrSSEEventTooLarge = errors.New("sse event too large")

// EventReader 按事件边界（空行）读取 SSE，多行 data: 以 "\n" 拼接为一个 payload；
// 注释行与 event:/id:/retry: 字段被忽略。
type EventReader struct {
	sc   *bufio.Scanner
	done bool
}

func NewEventReader(body io.Reader, maxLineBytes int) *EventReader {
	if maxLineBytes <= 0 {
		maxLineBytes = 4 << 20
	}
	initial := 64 << 10
	if initial > maxLineBytes {
		initial = maxLineBytes
	}
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, initial), maxLineBytes)
	sc.Split(bufio.ScanLines)
	return &EventReader{sc: sc}
}

// Next 返回下一个事件的 data payload；流结束时返回 io.EOF。
func (r *EventReader) Next() (string, error) {
	if r == nil || r.done {
		return "", io.EOF
	}
	var (
		data    strings.Builder
		hasData bool
	)
	for r.sc.Scan() {
		line := strings.TrimSuffix(r.sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if hasData {
				return data.String(), nil
			}
			continue
		}
		if v, ok := parseSSEDataLine(line); ok {
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(v)
			hasData = true
		}
	}
	r.done = true
	if err := r.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return "", ErrSSEEventTooLarge
		}
		return "", fmt.Errorf("读取上游流式响应失败: %w", err)
	}
	// 上游未以空行结尾时，仍交付最后一个事件。
	if hasData {
		return data.String(), nil
	}
	return "", io.EOF
}

func parseSSEDataLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
