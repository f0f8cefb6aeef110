package diag

import (
	"fmt"

	"github.com/pterm/pterm"
)

// Reporter receives probe progress and findings as they happen. The summary
// returned by Run carries the same outcomes for programmatic use.
type Reporter interface {
	Probe(name string)
	Successf(format string, args ...any)
	Warnf(format string, args ...any)
	Failf(format string, args ...any)
	Infof(format string, args ...any)
}

type nopReporter struct{}

func (nopReporter) Probe(string)            {}
func (nopReporter) Successf(string, ...any) {}
func (nopReporter) Warnf(string, ...any)    {}
func (nopReporter) Failf(string, ...any)    {}
func (nopReporter) Infof(string, ...any)    {}

// PtermReporter renders probe output on a terminal.
type PtermReporter struct{}

func NewPtermReporter() PtermReporter { return PtermReporter{} }

func (PtermReporter) Probe(name string) {
	pterm.Println()
	pterm.DefaultSection.Println(name)
}

func (PtermReporter) Successf(format string, args ...any) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}

func (PtermReporter) Warnf(format string, args ...any) {
	pterm.Warning.Println(fmt.Sprintf(format, args...))
}

func (PtermReporter) Failf(format string, args ...any) {
	pterm.Error.Println(fmt.Sprintf(format, args...))
}

func (PtermReporter) Infof(format string, args ...any) {
	pterm.Info.Println(fmt.Sprintf(format, args...))
}

// PrintGuide writes the DataChannel troubleshooting primer. It is static text
// shown after the probes so failures land next to their explanations.
func PrintGuide(r Reporter) {
	r.Infof("DataChannel state reference:")
	r.Infof("  connecting: channel is being established")
	r.Infof("  open:       channel is ready for data transfer")
	r.Infof("  closing:    channel is being torn down")
	r.Infof("  closed:     channel is closed")
	r.Infof("common issues:")
	r.Infof("  1. sending data before the channel is open")
	r.Infof("  2. network or firewall blocking the connection")
	r.Infof("  3. ICE connection failures")
	r.Infof("  4. premature channel closure")
	r.Infof("the server guards against these with readyState checks before every send")
}
