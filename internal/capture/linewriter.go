package capture

import "bytes"

// lineWriter splits a byte stream into lines and reports each complete line,
// including its trailing newline, to the onLine callback. A trailing partial
// line is held until more data arrives or Flush is called.
type lineWriter struct {
	buf    []byte
	onLine func(string)
}

func newLineWriter(onLine func(string)) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)

	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}

		w.onLine(string(w.buf[:i+1]))
		w.buf = w.buf[i+1:]
	}

	return len(p), nil
}

// Flush reports any buffered partial line as-is, without a trailing newline.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.onLine(string(w.buf))
		w.buf = nil
	}
}
