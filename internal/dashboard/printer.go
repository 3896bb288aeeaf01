// Package dashboard renders the live violation feed in a terminal.
package dashboard

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
)

var rule = strings.Repeat("=", 70)

// Printer writes alert blocks to a terminal. It skips events it has already
// shown, so replays after a reconnect do not repeat alerts.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	lastSeq int64
	shown   int
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Banner prints the startup header.
func (p *Printer) Banner(source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, rule)
	fmt.Fprintln(p.w, "         TEACHER VIOLATION MONITOR")
	fmt.Fprintln(p.w, rule)
	fmt.Fprintf(p.w, "Source: %s\n\n", source)
}

// Alert prints ev unless an event with the same or a later seq was already
// printed. It reports whether anything was written.
func (p *Printer) Alert(ev domain.ViolationEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Seq != 0 && ev.Seq <= p.lastSeq {
		return false
	}
	if ev.Seq > p.lastSeq {
		p.lastSeq = ev.Seq
	}
	p.shown++

	details := ev.Details
	if details == "" {
		details = "-"
	}
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, "*** VIOLATION ALERT ***")
	fmt.Fprintf(p.w, "  Time:       %s\n", ev.OccurredAt.Local().Format(time.DateTime))
	fmt.Fprintf(p.w, "  Student:    %s\n", ev.StudentID)
	fmt.Fprintf(p.w, "  Type:       %s\n", strings.ToUpper(string(ev.Kind)))
	fmt.Fprintf(p.w, "  Confidence: %.2f\n", ev.Confidence)
	fmt.Fprintf(p.w, "  Details:    %s\n", details)
	fmt.Fprintln(p.w, rule)
	return true
}

// Status prints a one-line notice such as a connection change.
func (p *Printer) Status(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Shown returns how many alerts were printed.
func (p *Printer) Shown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown
}

// LastSeq returns the highest seq printed.
func (p *Printer) LastSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq
}
