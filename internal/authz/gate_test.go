package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/jonmagon/kdiskmark/helper/internal/session"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAuthority answers with a fixed decision and counts calls per caller.
type fakeAuthority struct {
	decision Decision
	err      error
	block    bool
	calls    map[string]int
	actions  []string
}

func newFakeAuthority(d Decision) *fakeAuthority {
	return &fakeAuthority{decision: d, calls: make(map[string]int)}
}

func (f *fakeAuthority) CheckAuthorization(ctx context.Context, actionID string, caller Caller) (Decision, error) {
	f.calls[caller.ID]++
	f.actions = append(f.actions, actionID)
	if f.block {
		<-ctx.Done()
		return Error, ctx.Err()
	}
	return f.decision, f.err
}

func (f *fakeAuthority) total() int {
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type gateFixture struct {
	gate      *Gate
	authority *fakeAuthority
	registry  *session.Registry
	emptied   int
}

func newGateFixture(d Decision) *gateFixture {
	f := &gateFixture{authority: newFakeAuthority(d)}
	f.registry = session.NewRegistry(nopLogger(), func(string) { f.emptied++ })
	f.gate = NewGate(f.authority, f.registry, "dev.jonmagon.kdiskmark.helper.init", time.Second, nopLogger())
	return f
}

func TestCheck_GrantedOnceThenCached(t *testing.T) {
	f := newGateFixture(Granted)
	a := Caller{ID: "a", PID: 100, UID: 1000}

	for i := 0; i < 5; i++ {
		if got := f.gate.Check(context.Background(), a); got != Granted {
			t.Fatalf("call %d: decision = %v, want granted", i, got)
		}
	}

	if f.authority.calls["a"] != 1 {
		t.Errorf("policy service consulted %d times, want 1", f.authority.calls["a"])
	}
	if f.authority.actions[0] != "dev.jonmagon.kdiskmark.helper.init" {
		t.Errorf("action id = %q", f.authority.actions[0])
	}
	if !f.registry.Contains("a") {
		t.Error("granted caller not registered")
	}
}

func TestCheck_SecondCallerDeniedWithoutPolicyCheck(t *testing.T) {
	f := newGateFixture(Granted)

	if got := f.gate.Check(context.Background(), Caller{ID: "a"}); got != Granted {
		t.Fatalf("caller a decision = %v, want granted", got)
	}

	for i := 0; i < 3; i++ {
		if got := f.gate.Check(context.Background(), Caller{ID: "b"}); got != Denied {
			t.Errorf("caller b decision = %v, want denied", got)
		}
	}

	if f.authority.calls["b"] != 0 {
		t.Errorf("policy service consulted %d times for b, want 0", f.authority.calls["b"])
	}
	if f.registry.Len() != 1 {
		t.Errorf("registry size = %d, want 1", f.registry.Len())
	}
	if f.emptied != 0 {
		t.Error("shutdown requested while a session is held")
	}
}

func TestCheck_DeniedSoleCandidateAbandons(t *testing.T) {
	f := newGateFixture(Denied)

	if got := f.gate.Check(context.Background(), Caller{ID: "a"}); got != Denied {
		t.Fatalf("decision = %v, want denied", got)
	}
	if f.registry.Contains("a") {
		t.Error("denied caller registered")
	}
	if f.emptied != 1 {
		t.Errorf("shutdown requested %d times, want 1", f.emptied)
	}
}

func TestCheck_PolicyErrorNormalizedToDenied(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		err      error
	}{
		{"error with granted payload", Granted, errors.New("bus closed")},
		{"error decision", Error, errors.New("polkit unavailable")},
		{"error decision without error", Error, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(tt.decision)
			f.authority.err = tt.err

			if got := f.gate.Check(context.Background(), Caller{ID: "a"}); got != Denied {
				t.Errorf("decision = %v, want denied", got)
			}
			if f.registry.Contains("a") {
				t.Error("caller registered despite policy error")
			}
			if f.emptied != 1 {
				t.Errorf("shutdown requested %d times, want 1", f.emptied)
			}
		})
	}
}

func TestCheck_TimeoutBoundsInteractiveCheck(t *testing.T) {
	f := newGateFixture(Granted)
	f.authority.block = true
	f.gate.timeout = 20 * time.Millisecond

	start := time.Now()
	if got := f.gate.Check(context.Background(), Caller{ID: "a"}); got != Denied {
		t.Errorf("decision = %v, want denied", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("check took %v, timeout not applied", elapsed)
	}
}

func TestCheck_AfterDisconnectNewCallerPrompted(t *testing.T) {
	f := newGateFixture(Granted)

	f.gate.Check(context.Background(), Caller{ID: "a"})
	f.registry.Unregister("a")

	if got := f.gate.Check(context.Background(), Caller{ID: "b"}); got != Granted {
		t.Fatalf("decision for b = %v, want granted", got)
	}
	if f.authority.total() != 2 {
		t.Errorf("policy service consulted %d times, want 2", f.authority.total())
	}
}

func TestDecisionString(t *testing.T) {
	for d, want := range map[Decision]string{
		Granted:      "granted",
		Denied:       "denied",
		Error:        "error",
		Decision(42): "unknown",
	} {
		if got := d.String(); got != want {
			t.Errorf("Decision(%d).String() = %q, want %q", int(d), got, want)
		}
	}
}

func TestUnixProcessSubject(t *testing.T) {
	subject := unixProcessSubject(Caller{ID: "x", PID: 4242, UID: 1000})

	if subject.Kind != "unix-process" {
		t.Errorf("kind = %q, want unix-process", subject.Kind)
	}

	wantTypes := map[string]dbus.Signature{
		"pid":        dbus.SignatureOf(uint32(0)),
		"start-time": dbus.SignatureOf(uint64(0)),
		"uid":        dbus.SignatureOf(int32(0)),
	}
	for key, sig := range wantTypes {
		v, ok := subject.Details[key]
		if !ok {
			t.Errorf("missing detail %q", key)
			continue
		}
		if v.Signature() != sig {
			t.Errorf("detail %q signature = %v, want %v", key, v.Signature(), sig)
		}
	}

	if pid := subject.Details["pid"].Value().(uint32); pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}
