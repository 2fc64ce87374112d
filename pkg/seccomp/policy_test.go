package seccomp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{in: "errno", want: ActionErrno},
		{in: "KILL", want: ActionKill},
		{in: "trap", want: ActionTrap},
		{in: "log", want: ActionLog},
		{in: "allow", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ParseAction(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, a)
			require.Equal(t, a, must(ParseAction(a.String())))
		})
	}
}

func TestBuildDefault(t *testing.T) {
	f, err := Policy{Deny: DefaultDeny}.Build()
	require.NoError(t, err)
	require.NotEmpty(t, f)

	prog := f.SockFprog()
	require.NotNil(t, prog)
	require.Equal(t, uint16(len(f)), prog.Len)
	require.Same(t, &f[0], prog.Filter)
}

func TestBuildEmpty(t *testing.T) {
	f, err := Policy{}.Build()
	require.NoError(t, err)
	require.Empty(t, f)
	require.Nil(t, f.SockFprog())
}

func TestBuildUnknownSyscall(t *testing.T) {
	_, err := Policy{Deny: []string{"not_a_syscall"}}.Build()
	require.Error(t, err)
}

func TestBuildActions(t *testing.T) {
	sizes := map[Action]int{}
	for _, a := range []Action{ActionErrno, ActionKill, ActionTrap, ActionLog} {
		f, err := Policy{Deny: []string{"reboot"}, Action: a}.Build()
		require.NoError(t, err, a.String())
		sizes[a] = len(f)
	}
	// the action changes the return value, not the shape of the program
	require.Equal(t, sizes[ActionErrno], sizes[ActionKill])
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
