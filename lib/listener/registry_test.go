package listener

import (
	"errors"
	"fmt"
	"testing"

	"github.com/onkernel/remote-debugger/lib/rdp/client"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/onkernel/remote-debugger/lib/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal records calls from several listeners in one sequence.
type journal struct {
	calls []string
}

func (j *journal) record(format string, args ...any) {
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

type tabOnly struct {
	name string
	j    *journal
}

func (l *tabOnly) OnTabAttached(_ *session.Context, refresh bool) {
	l.j.record("%s:tabAttached:%t", l.name, refresh)
}

type detachOnly struct {
	name string
	j    *journal
}

func (l *detachOnly) OnTabDetached(*session.Context, bool) { l.j.record("%s:tabDetached", l.name) }

func TestDispatchOnlyReachesImplementers(t *testing.T) {
	j := &journal{}
	r := NewRegistry(nil)
	require.True(t, r.Add(&tabOnly{name: "a", j: j}))
	require.True(t, r.Add(&detachOnly{name: "b", j: j}))
	require.True(t, r.Add(&tabOnly{name: "c", j: j}))

	n := r.Dispatch(EventTabAttached, session.NewContext(), true)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a:tabAttached:true", "c:tabAttached:true"}, j.calls)

	assert.Equal(t, 0, r.Dispatch(EventThreadAttached, session.NewContext(), false))
}

func TestAddRemoveSequences(t *testing.T) {
	j := &journal{}
	a := &tabOnly{name: "a", j: j}
	b := &tabOnly{name: "b", j: j}
	c := &tabOnly{name: "c", j: j}

	testCases := []struct {
		name string
		ops  func(r *Registry)
		want []string
	}{
		{
			name: "registration order",
			ops:  func(r *Registry) { r.Add(b); r.Add(a); r.Add(c) },
			want: []string{"b", "a", "c"},
		},
		{
			name: "duplicates ignored",
			ops:  func(r *Registry) { r.Add(a); r.Add(b); r.Add(a) },
			want: []string{"a", "b"},
		},
		{
			name: "remove middle",
			ops:  func(r *Registry) { r.Add(a); r.Add(b); r.Add(c); r.Remove(b) },
			want: []string{"a", "c"},
		},
		{
			name: "re-add moves to end",
			ops:  func(r *Registry) { r.Add(a); r.Add(b); r.Remove(a); r.Add(a) },
			want: []string{"b", "a"},
		},
		{
			name: "remove unknown",
			ops:  func(r *Registry) { r.Add(a); r.Remove(c) },
			want: []string{"a"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			j.calls = nil
			r := NewRegistry(nil)
			tc.ops(r)
			r.Dispatch(EventTabAttached, session.NewContext(), false)

			var got []string
			for _, call := range j.calls {
				got = append(got, call[:1])
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, len(tc.want), r.Len())
		})
	}
}

func TestRemoveDuringDispatchTakesEffectNextTime(t *testing.T) {
	r := NewRegistry(nil)
	var calls []string
	var second *Funcs
	first := &Funcs{TabAttached: func(*session.Context, bool) {
		calls = append(calls, "first")
		r.Remove(second)
	}}
	second = &Funcs{TabAttached: func(*session.Context, bool) { calls = append(calls, "second") }}
	r.Add(first)
	r.Add(second)

	r.Dispatch(EventTabAttached, session.NewContext(), false)
	assert.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	r.Dispatch(EventTabAttached, session.NewContext(), false)
	assert.Equal(t, []string{"first"}, calls)
}

func TestPanickingListenerDoesNotStopFanOut(t *testing.T) {
	r := NewRegistry(nil)
	var reached bool
	r.Add(&Funcs{TabNavigated: func(protocol.Packet) { panic("bad listener") }})
	r.Add(&Funcs{TabNavigated: func(p protocol.Packet) { reached = p.From() == "tab1" }})

	n := r.Dispatch(EventTabNavigated, protocol.Packet{protocol.FieldFrom: "tab1"})
	assert.Equal(t, 2, n)
	assert.True(t, reached)
}

func TestDispatchArguments(t *testing.T) {
	ctx := session.NewContext()
	cause := errors.New("attach refused")

	var gotCtx *session.Context
	var gotErr error
	r := NewRegistry(nil)
	r.Add(&Funcs{AttachFailed: func(c *session.Context, err error) { gotCtx, gotErr = c, err }})

	assert.Equal(t, 1, r.Dispatch(EventAttachFailed, ctx, cause))
	assert.Same(t, ctx, gotCtx)
	assert.Equal(t, cause, gotErr)

	// malformed dispatches reach nobody
	assert.Equal(t, 0, r.Dispatch(EventAttachFailed, ctx))
	assert.Equal(t, 0, r.Dispatch(EventAttachFailed, "ctx", cause))
	assert.Equal(t, 0, r.Dispatch(Event("onSomethingElse")))
}

func TestNilClientArgument(t *testing.T) {
	r := NewRegistry(nil)
	called := false
	r.Add(&Funcs{Disconnect: func(c client.Protocol) { called = c == nil }})

	assert.Equal(t, 1, r.Dispatch(EventDisconnect, nil))
	assert.True(t, called)
}

func TestAddRejectsUnusableListeners(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.Add(nil))
	// a Funcs value holds func fields and cannot be compared
	assert.False(t, r.Add(Funcs{}))
	assert.False(t, r.Remove(Funcs{}))
	assert.Equal(t, 0, r.Len())

	f := &Funcs{}
	assert.True(t, r.Add(f))
	assert.True(t, r.Remove(f))
	assert.False(t, r.Remove(f))
}
