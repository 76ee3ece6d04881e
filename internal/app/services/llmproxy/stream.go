package llmproxy

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// maxStreamLine bounds the buffer used to reassemble SSE lines. A frame
// larger than this is abandoned; passthrough is unaffected.
const maxStreamLine = 1 << 20

// usageStream relays an event stream unchanged while scanning data frames
// for the provider's usage numbers. onDone fires exactly once with the last
// values seen, when the upstream body ends or the caller closes the stream.
// Providers that never emit usage still produce a zero-token callback so the
// request is counted.
type usageStream struct {
	rc      io.ReadCloser
	profile ProviderProfile
	onDone  func(in, out int64, model string)

	mu      sync.Mutex
	pending []byte
	in      int64
	out     int64
	model   string
	done    bool
}

func newUsageStream(rc io.ReadCloser, profile ProviderProfile, onDone func(in, out int64, model string)) *usageStream {
	return &usageStream{rc: rc, profile: profile, onDone: onDone}
}

func (u *usageStream) Read(p []byte) (int, error) {
	n, err := u.rc.Read(p)
	if n > 0 {
		u.scan(p[:n])
	}
	if err != nil {
		u.finish()
	}
	return n, err
}

func (u *usageStream) Close() error {
	err := u.rc.Close()
	u.finish()
	return err
}

func (u *usageStream) scan(chunk []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = append(u.pending, chunk...)
	for {
		idx := bytes.IndexByte(u.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(u.pending[:idx], "\r")
		u.pending = u.pending[idx+1:]
		u.scanLine(line)
	}
	if len(u.pending) > maxStreamLine {
		u.pending = u.pending[:0]
	}
}

// scanLine updates the running usage totals from one SSE line. Paths are
// tried both at the top level and under "message", which covers anthropic
// message_start frames nesting usage inside the message object.
func (u *usageStream) scanLine(line []byte) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}
	if in := u.intAt(data, u.profile.InputTokensPath); in > 0 {
		u.in = in
	}
	if out := u.intAt(data, u.profile.OutputTokensPath); out > 0 {
		u.out = out
	}
	if model := u.stringAt(data, u.profile.ModelPath); model != "" {
		u.model = model
	}
}

func (u *usageStream) intAt(data []byte, path string) int64 {
	if v := extractInt(data, path); v > 0 {
		return v
	}
	if path != "" && !strings.HasPrefix(path, "$") {
		return extractInt(data, "message."+path)
	}
	return 0
}

func (u *usageStream) stringAt(data []byte, path string) string {
	if v := extractString(data, path); v != "" {
		return v
	}
	if path != "" && !strings.HasPrefix(path, "$") {
		return extractString(data, "message."+path)
	}
	return ""
}

func (u *usageStream) finish() {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		return
	}
	u.done = true
	in, out, model := u.in, u.out, u.model
	u.mu.Unlock()
	if u.onDone != nil {
		u.onDone(in, out, model)
	}
}
