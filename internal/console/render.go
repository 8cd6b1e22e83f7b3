package console

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/fatih/color"
)

// Renderer prints command results for the operator.
type Renderer struct {
	out      io.Writer
	accepted *color.Color
	rejected *color.Color
	notice   *color.Color
}

func NewRenderer(out io.Writer, noColor bool) *Renderer {
	r := &Renderer{
		out:      out,
		accepted: color.New(color.FgGreen),
		rejected: color.New(color.FgRed),
		notice:   color.New(color.FgYellow),
	}
	if noColor {
		r.accepted.DisableColor()
		r.rejected.DisableColor()
		r.notice.DisableColor()
	}
	return r
}

func (r *Renderer) Linef(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *Renderer) Noticef(format string, args ...any) {
	r.notice.Fprintf(r.out, format+"\n", args...)
}

// Error prints err in operator terms.
func (r *Renderer) Error(err error) {
	switch {
	case errors.Is(err, ErrCommandTimeout):
		r.rejected.Fprintln(r.out, "no response")
	case errors.Is(err, ErrDecodeResponse):
		r.rejected.Fprintln(r.out, "failed to decode the response")
	case errors.Is(err, ErrAttachFailed):
		r.rejected.Fprintf(r.out, "attach failed: %v\n", err)
	default:
		r.rejected.Fprintf(r.out, "%v\n", err)
	}
}

// Response prints resp as the reply to cmd.
func (r *Renderer) Response(cmd envelope.Command, resp envelope.ResponseEnvelope) {
	switch c := cmd.(type) {
	case envelope.RCRead:
		value, err := resp.Register()
		if err != nil {
			r.Error(fmt.Errorf("%w: %w", ErrDecodeResponse, err))
			return
		}
		if value == nil {
			r.rejected.Fprintf(r.out, "Register %d is out of range\n", c.Address)
			return
		}
		r.Linef("The value of the register %d is: %d (%s)", c.Address, value.Value, value.Hex)
	case envelope.RCWrite, envelope.PrintMessage:
		text, err := resp.Text()
		if err != nil {
			r.Error(fmt.Errorf("%w: %w", ErrDecodeResponse, err))
			return
		}
		r.Linef("%s", text)
	default:
		batch, err := resp.Batch()
		if err != nil {
			r.Error(fmt.Errorf("%w: %w", ErrDecodeResponse, err))
			return
		}
		r.accepted.Fprintf(r.out, "Accepted channels: %s\n", joinInts(batch.Accepted))
		r.rejected.Fprintf(r.out, "Rejected channels: %s\n", joinInts(batch.Rejected))
	}
}

func joinInts(in []int) string {
	if len(in) == 0 {
		return "none"
	}
	parts := make([]string, len(in))
	for i, v := range in {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}
