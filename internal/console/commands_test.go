package console

import (
	"bytes"
	"testing"

	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestParserBuildsCommands(t *testing.T) {
	testlog.Start(t)
	p := Parser{HVPort: "/dev/ttyPS1"}
	hv := envelope.HVTarget{Channels: "1,2", Port: "/dev/ttyPS1"}

	cases := []struct {
		current session.Identity
		line    string
		want    envelope.Command
	}{
		{session.IdentityHV, "set_voltage 1,2 1500", envelope.HVSetVoltage{Target: hv, Value: 1500}},
		{session.IdentityHV, "set_threshold 1,2 0x10", envelope.HVSetThreshold{Target: hv, Value: 16}},
		{session.IdentityHV, "set_limitV 1,2 1800", envelope.HVSetLimitV{Target: hv, Value: 1800}},
		{session.IdentityHV, "set_limitI 1,2 20", envelope.HVSetLimitI{Target: hv, Value: 20}},
		{session.IdentityHV, "set_limitTrip 1,2 3", envelope.HVSetLimitTrip{Target: hv, Value: 3}},
		{session.IdentityHV, "power_on all --port /dev/ttyPS0", envelope.HVPowerOn{Target: envelope.HVTarget{Channels: "all", Port: "/dev/ttyPS0"}}},
		{session.IdentityHV, "power_off 7", envelope.HVPowerOff{Target: envelope.HVTarget{Channels: "7", Port: "/dev/ttyPS1"}}},
		{session.IdentityHV, "set_init_conf 1,2 --voltage_set 1200 --rate_down=4", envelope.HVInitConfig{
			Target:   hv,
			Settings: envelope.HVSettings{VoltageSet: intp(1200), RateDown: intp(4)},
		}},
		{session.IdentityHV, "set_voltage 1,2 -5", envelope.HVSetVoltage{Target: hv, Value: -5}},
		{session.IdentityHV, "set_threshold --port /dev/ttyPS1 1,2 -0x10", envelope.HVSetThreshold{Target: hv, Value: -16}},
		{session.IdentityHV, "set_limitV 1,2 -- -7", envelope.HVSetLimitV{Target: hv, Value: -7}},
		{session.IdentityHV, "set_init_conf 1,2 --voltage_set -300", envelope.HVInitConfig{
			Target:   hv,
			Settings: envelope.HVSettings{VoltageSet: intp(-300)},
		}},
		{session.IdentityHV, "print_message run  42 starting", envelope.PrintMessage{Type: envelope.TypeHVConfig, Message: "run  42 starting"}},
		{session.IdentityRC, "read 0x1f", envelope.RCRead{Address: 31}},
		{session.IdentityRC, "write 3 4294967295", envelope.RCWrite{Address: 3, Value: 4294967295}},
		{session.IdentityRC, "power_on 1,3,9", envelope.RCPowerOn{Channels: "1,3,9"}},
		{session.IdentityRC, "read -1", envelope.RCRead{Address: -1}},
		{session.IdentityRC, "print_message hi", envelope.PrintMessage{Type: envelope.TypeRCConfig, Message: "hi"}},
	}
	for _, tc := range cases {
		action, err := p.Parse(tc.current, tc.line)
		require.NoError(t, err, tc.line)
		require.Equal(t, ActionSend, action.Kind, tc.line)
		require.Equal(t, tc.want, action.Command, tc.line)
	}
}

func TestParserContextRules(t *testing.T) {
	testlog.Start(t)
	p := Parser{HVPort: "/dev/ttyPS1"}

	action, err := p.Parse("", "connect rc")
	require.NoError(t, err)
	require.Equal(t, Action{Kind: ActionConnect, Target: session.IdentityRC}, action)

	action, err = p.Parse("", "   ")
	require.NoError(t, err)
	require.Equal(t, ActionNone, action.Kind)

	errCases := []struct {
		current session.Identity
		line    string
		want    error
	}{
		{"", "read 1", ErrWrongContext},
		{"", "back", ErrWrongContext},
		{"", "print_message hi", ErrWrongContext},
		{"", "launch", ErrUnknownCommand},
		{"", "connect", ErrUsage},
		{"", "connect XY", session.ErrUnknownIdentity},
		{session.IdentityHV, "connect RC", ErrWrongContext},
		{session.IdentityHV, "read 1", ErrWrongContext},
		{session.IdentityRC, "set_voltage 1 2", ErrWrongContext},
		{session.IdentityHV, "set_voltage 1", ErrUsage},
		{session.IdentityHV, "set_voltage 1 high", ErrUsage},
		{session.IdentityHV, "set_init_conf 1 --voltage_set x", ErrUsage},
		{session.IdentityHV, "power_on 1 --bogus 2", ErrUsage},
		{session.IdentityRC, "write 1 4294967296", ErrUsage},
		{session.IdentityRC, "write 3 -1", ErrUsage},
		{session.IdentityHV, "set_voltage 1 -5 -6", ErrUsage},
		{session.IdentityRC, "print_message", ErrUsage},
	}
	for _, tc := range errCases {
		_, err := p.Parse(tc.current, tc.line)
		require.ErrorIs(t, err, tc.want, tc.line)
	}

	_, err = p.Parse(session.IdentityRC, "write 3 -1")
	require.ErrorContains(t, err, `value "-1"`)

	for _, line := range []string{"help", "status", "quit"} {
		_, err := p.Parse(session.IdentityRC, line)
		require.NoError(t, err, line)
	}
	action, err = p.Parse(session.IdentityRC, "back")
	require.NoError(t, err)
	require.Equal(t, ActionBack, action.Kind)
}

func TestRendererOutput(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	r := NewRenderer(&out, true)

	value := envelope.NewRegisterValue(42)
	r.Response(envelope.RCRead{Address: 3}, envelope.NewRegisterResponse(&value))
	require.Equal(t, "The value of the register 3 is: 42 (0x0000002a)\n", out.String())

	out.Reset()
	r.Response(envelope.RCRead{Address: 60}, envelope.NewRegisterResponse(nil))
	require.Equal(t, "Register 60 is out of range\n", out.String())

	out.Reset()
	r.Response(envelope.RCPowerOn{Channels: "8"}, envelope.NewBatchResponse(envelope.TagRCPowerOn, envelope.BatchResult{Rejected: []int{8}}))
	require.Equal(t, "Accepted channels: none\nRejected channels: 8\n", out.String())

	out.Reset()
	r.Response(envelope.RCWrite{Address: 1, Value: 2}, envelope.NewTextResponse(envelope.TagRCWrite, "Successfully wrote the value 2 in register 1"))
	require.Equal(t, "Successfully wrote the value 2 in register 1\n", out.String())

	out.Reset()
	r.Error(ErrCommandTimeout)
	r.Error(ErrDecodeResponse)
	require.Equal(t, "no response\nfailed to decode the response\n", out.String())
}
