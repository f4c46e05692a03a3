package ahci

import (
	"fmt"
	"sync"
	"time"

	"github.com/armon/circbuf"
)

// traceCapacityBytes bounds the per-port interrupt trace. It is purely a
// diagnostic aid for `galleonctl ahci trace`; nothing in the driver's
// correctness depends on it.
const traceCapacityBytes = 16 * 1024

// interruptTrace is a bounded ring buffer of interrupt-status snapshots,
// one line per recorded event, evicting the oldest bytes once full.
type interruptTrace struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func newInterruptTrace() *interruptTrace {
	b, err := circbuf.NewBuffer(traceCapacityBytes)
	if err != nil {
		// circbuf.NewBuffer only errors on a non-positive size, which never
		// happens with the constant above.
		panic(err)
	}
	return &interruptTrace{buf: b}
}

func (t *interruptTrace) record(portNum int, is uint32, note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := fmt.Sprintf("%s port=%d IS=%#08x %s\n", time.Now().UTC().Format(time.RFC3339Nano), portNum, is, note)
	_, _ = t.buf.Write([]byte(line))
}

// Dump returns the currently retained trace text.
func (t *interruptTrace) Dump() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf.Bytes())
}
