package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
)

const (
	PromptMain = "|Main>"
	PromptHV   = "|HV>"
	PromptRC   = "|RC>"
)

// Interactive reports whether f is a terminal, in which case the shell prints
// prompts and the banner.
func Interactive(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Shell is the operator loop: main context, or attached to one agent class.
type Shell struct {
	mgr     *Manager
	parser  Parser
	render  *Renderer
	out     io.Writer
	prompts bool
	session *Session
}

func NewShell(mgr *Manager, out io.Writer, render *Renderer, prompts bool) *Shell {
	return &Shell{
		mgr:     mgr,
		parser:  Parser{HVPort: mgr.Config().HVPort},
		render:  render,
		out:     out,
		prompts: prompts,
	}
}

// Prompt is the prompt of the current context.
func (s *Shell) Prompt() string {
	if s.session == nil {
		return PromptMain
	}
	switch s.session.Identity {
	case session.IdentityHV:
		return PromptHV
	case session.IdentityRC:
		return PromptRC
	}
	return PromptMain
}

func (s *Shell) current() session.Identity {
	if s.session == nil {
		return ""
	}
	return s.session.Identity
}

// Run reads lines from in until quit, end of input, or ctx is cancelled. An
// attached session is released with Back before Run returns.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		reader := bufio.NewReader(in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- strings.TrimRight(line, "\r\n"):
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()
	defer s.leave()

	if s.prompts {
		s.render.Linef("daqctl console, type help for commands")
	}
	for {
		if s.prompts {
			io.WriteString(s.out, s.Prompt()+" ")
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			if s.Handle(ctx, line) {
				return nil
			}
		}
	}
}

// Handle runs one operator line and reports whether the shell should exit.
func (s *Shell) Handle(ctx context.Context, line string) bool {
	action, err := s.parser.Parse(s.current(), line)
	if err != nil {
		s.render.Error(err)
		return false
	}
	switch action.Kind {
	case ActionNone:
	case ActionHelp:
		for _, l := range Help(s.current()) {
			s.render.Linef("  %s", l)
		}
	case ActionStatus:
		s.status()
	case ActionConnect:
		s.render.Noticef("waiting for %s (up to %s)", action.Target, s.mgr.cfg.Session.AttachTimeout)
		sess, err := s.mgr.Attach(ctx, action.Target)
		if err != nil {
			s.render.Error(err)
			return false
		}
		s.session = sess
		s.render.Noticef("connected to %s", action.Target)
	case ActionBack:
		s.leave()
	case ActionQuit:
		return true
	case ActionSend:
		resp, err := s.session.Do(ctx, action.Command)
		if err != nil {
			s.render.Error(err)
			return false
		}
		s.render.Response(action.Command, resp)
	}
	return false
}

func (s *Shell) status() {
	for _, id := range session.KnownIdentities() {
		s.render.Linef("  %s: %s", id, s.mgr.State(id))
	}
	if s.session != nil {
		s.render.Linef("  session: %s", s.session.ID)
	}
}

// leave sends Back on the attached session and returns to the main context.
func (s *Shell) leave() {
	if s.session == nil {
		return
	}
	if err := s.session.Back(); err != nil {
		log.Warn().Err(err).Str("identity", s.session.Identity.String()).Msg("console.Shell.leave")
	}
	s.session = nil
}
