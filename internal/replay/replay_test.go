package replay

import (
	"errors"
	"strings"
	"testing"

	"github.com/bitjig/rund/internal/capture"
	"github.com/bitjig/rund/internal/codec"
	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/determinism"
	"github.com/bitjig/rund/internal/location"
	"github.com/bitjig/rund/internal/membrane"
	"github.com/bitjig/rund/internal/record"
	"github.com/bitjig/rund/internal/sandbox"
	"github.com/bitjig/rund/internal/script"
	"github.com/bitjig/rund/internal/unify"
)

// newTestEncoder builds an Encoder whose $jig references just encode to
// a constant placeholder; this test only checks that replay reproduces
// the same hash for the same deterministic computation, not realistic
// cross-creation reference encoding.
func newTestEncoder() *capture.Encoder {
	c := codec.New(
		func(c creation.Creation) (determinism.Value, error) { return float64(0), nil },
		func(ref determinism.Value) (creation.Creation, error) { return nil, nil },
	)
	return &capture.Encoder{Codec: c}
}

// newTestInterp wires the same Bridge/Host pair internal/loader builds,
// so a dispatched CALL/NEW's `this.prop` access routes through the
// membrane exactly as it would in the real loader-driven path.
func newTestInterp() *script.Interp {
	bridge := membrane.NewBridge()
	host := sandbox.NewHost(bridge)
	interp := script.NewInterp(host)
	host.Interp = interp
	bridge.Interp = interp
	script.InstallGlobals(interp.Global)
	return interp
}

func mustLoc(t *testing.T, s string) *location.Location {
	t.Helper()
	loc, err := location.Parse(s)
	if err != nil {
		t.Fatalf("parse location %q: %v", s, err)
	}
	return loc
}

// TestReplayRejectsTimeTravel exercises spec scenario S3 through the
// worldview check Replay runs in step 2: observing a stale nonce of a
// creation already observed at a higher nonce must fail with an error
// mentioning "Time travel".
func TestReplayRejectsTimeTravel(t *testing.T) {
	origin := mustLoc(t, "_o1")
	stale := &creation.JigInstance{
		Fields: script.NewObject(),
		Bindings: creation.Bindings{
			Location: mustLoc(t, "_o1_0"),
			Origin:   origin,
			Nonce:    1,
		},
	}
	fresh := &creation.JigInstance{
		Fields: script.NewObject(),
		Bindings: creation.Bindings{
			Location: mustLoc(t, "_o1_1"),
			Origin:   origin,
			Nonce:    2,
		},
	}

	w := unify.NewWorldview()
	if err := w.ObserveForReplay(fresh); err != nil {
		t.Fatalf("observe fresh: %v", err)
	}
	err := w.ObserveForReplay(stale)
	if err == nil {
		t.Fatal("expected time travel rejection, got nil")
	}
	if !errors.Is(err, unify.ErrTimeTravel) {
		t.Fatalf("got %v, want ErrTimeTravel", err)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "time travel") {
		t.Fatalf("error %q does not mention time travel", err.Error())
	}
}

func counterSrc() string {
	return `class Counter {
		constructor() { this.n = 0; }
		bump() { this.n = this.n + 1; return this.n; }
	}`
}

// dryRunOutputs executes the DEPLOY/NEW/CALL sequence directly through a
// fresh dispatcher (bypassing Replay's hash verification) to compute the
// hashes a real deployer's local execution would have embedded in the
// transaction's out[] field.
func dryRunOutputs(t *testing.T, entries []ActionEntry) []string {
	t.Helper()
	interp := newTestInterp()
	encoder := newTestEncoder()
	rec := record.New()
	masterList := []creation.Creation{}
	disp := &dispatcher{rec: rec, masterList: &masterList, interp: interp, encoder: encoder}
	for _, e := range entries {
		if err := disp.dispatch(e); err != nil {
			t.Fatalf("dry run dispatch: %v", err)
		}
	}
	outputs := rec.Outputs()
	hashes := make([]string, len(outputs))
	for i, out := range outputs {
		_, h, err := encoder.CaptureAndHash(out)
		if err != nil {
			t.Fatalf("dry run hash: %v", err)
		}
		hashes[i] = h
	}
	return hashes
}

// TestReplayDeployNewCall runs a minimal three-action transaction
// (DEPLOY a counter class, NEW an instance, CALL its bump method)
// through the full Replay procedure and checks it accepts the hashes a
// prior local execution of the same sequence would have produced.
func TestReplayDeployNewCall(t *testing.T) {
	src := counterSrc()
	entries := []ActionEntry{
		{Op: record.OpDeploy, Data: []DeployPair{{Src: src, Props: map[string]interface{}{}}}},
		{Op: record.OpNew, Data: NewData{Class: 0, Args: nil}},
		{Op: record.OpCall, Data: CallData{Target: 1, Method: "bump", Args: nil}},
	}

	wantHashes := dryRunOutputs(t, entries)
	if len(wantHashes) != 2 {
		t.Fatalf("got %d dry-run outputs, want 2", len(wantHashes))
	}

	replayInterp := newTestInterp()
	replayEncoder := newTestEncoder()
	meta := Metadata{
		In:   0,
		Exec: entries,
		Out:  wantHashes,
	}

	result, err := Replay("txid", meta, func(string) (creation.Creation, error) {
		return nil, errors.New("no loads expected in this scenario")
	}, replayInterp, replayEncoder)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Outputs) != 2 {
		t.Fatalf("got %d outputs, want 2 (deployed code + constructed instance)", len(result.Outputs))
	}
	ji, ok := result.Outputs[1].(*creation.JigInstance)
	if !ok {
		t.Fatalf("second output is not a JigInstance")
	}
	n, _ := ji.Fields.Get("n")
	if n != float64(1) {
		t.Fatalf("got n=%v, want 1", n)
	}
}

// TestReplayRejectsHashMismatch checks that a transaction claiming a
// different output hash than deterministic execution actually produces
// fails as an execution error, the mechanism spec §7 relies on to ban a
// location on cache-corrupting or non-deterministic code.
func TestReplayRejectsHashMismatch(t *testing.T) {
	src := counterSrc()
	entries := []ActionEntry{
		{Op: record.OpDeploy, Data: []DeployPair{{Src: src, Props: map[string]interface{}{}}}},
		{Op: record.OpNew, Data: NewData{Class: 0, Args: nil}},
	}
	interp := newTestInterp()
	encoder := newTestEncoder()
	meta := Metadata{
		In:   0,
		Exec: entries,
		Out:  []string{"not-a-real-hash", "also-not-real"},
	}
	_, err := Replay("txid", meta, func(string) (creation.Creation, error) {
		return nil, errors.New("no loads expected")
	}, interp, encoder)
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("got %v, want ErrExecution", err)
	}
}

// TestReplayRejectsOutputCountMismatch checks that a transaction
// claiming more outputs than the action list actually produces fails
// with an execution error rather than silently truncating.
func TestReplayRejectsOutputCountMismatch(t *testing.T) {
	interp := newTestInterp()
	encoder := newTestEncoder()
	meta := Metadata{
		In:   0,
		Exec: nil,
		Out:  []string{"deadbeef"},
	}
	_, err := Replay("txid", meta, func(string) (creation.Creation, error) {
		return nil, errors.New("no loads expected")
	}, interp, encoder)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("got %v, want ErrExecution", err)
	}
}
