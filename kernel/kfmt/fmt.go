// Package kfmt provides the kernel console: formatted output, early output
// buffering and the panic path.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before a
	// console sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// Output forwards writes to whatever sink is active at the time of the
	// write. Long-lived writers such as loggers should hold Output rather
	// than the value returned by GetOutputSink.
	Output io.Writer = forwardingWriter{}
)

type forwardingWriter struct{}

func (forwardingWriter) Write(p []byte) (int, error) {
	return GetOutputSink().Write(p)
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current target for calls to Printf.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf writes formatted output to the active output sink. Before a sink is
// attached the output is buffered and replayed by SetOutputSink.
func Printf(format string, args ...interface{}) {
	Fprintf(GetOutputSink(), format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
