// Package commit implements the Record → Commit → Publish lifecycle
// (spec §4.11): freezing a touched Record into a dependency-ordered
// Commit, assembling its transaction, driving sign → pay → broadcast,
// and rolling an entire downstream chain back atomically on failure.
package commit

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitjig/rund/internal/capture"
	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/kernel"
	"github.com/bitjig/rund/internal/location"
	"github.com/bitjig/rund/internal/oracle"
	"github.com/bitjig/rund/internal/record"
)

// MinOutputSatoshis is the dust-floor default (Open Question decision:
// configurable in a real deployment via config.MinOutputSatoshis; kept
// as a package constant here since internal/config's knob isn't wired
// into this constructor).
const MinOutputSatoshis = 1

// ProtocolVersion mirrors spec §6: protocol version 5 corresponds to
// state version "04" (historical, hardcoded as capture.StateVersion).
const (
	ProtocolVersion = 5
	AppName         = "rund"
)

// RefEntry is one refmap slot: the latest known [location, nonce] for
// an origin, built from the worldview this commit's inputs/refs observed.
type RefEntry struct {
	Location string
	Nonce    uint64
}

// Status is a Commit's lifecycle stage (spec §4.11: building → ready →
// publishing → published | failed).
type Status int

const (
	StatusBuilding Status = iota
	StatusReady
	StatusPublishing
	StatusPublished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "building"
	case StatusReady:
		return "ready"
	case StatusPublishing:
		return "publishing"
	case StatusPublished:
		return "published"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Commit is a frozen Record plus publish-time bookkeeping.
type Commit struct {
	mu sync.Mutex

	Rec    *record.Record
	Status Status

	After      map[creation.Creation]*record.Snapshot
	Upstream   []*Commit
	Downstream []*Commit
	Refmap     map[string]RefEntry
	Published  bool

	onReady   []func(*Commit)
	onUpdate  []func(*Commit)
	onPublish []func(*Commit)

	txid string
}

// New freezes rec into a building Commit: asserts the record is
// touched and snapshots the after-state of every output/delete.
func New(rec *record.Record) (*Commit, error) {
	if !rec.Touched() {
		return nil, record.ErrNotReady
	}
	c := &Commit{
		Rec:    rec,
		Status: StatusBuilding,
		After:  map[creation.Creation]*record.Snapshot{},
		Refmap: map[string]RefEntry{},
	}
	for _, out := range rec.Outputs() {
		c.After[out] = record.CaptureSnapshot(out)
	}
	for _, del := range rec.Deletes() {
		c.After[del] = record.CaptureSnapshot(del)
	}
	c.emitUpdate()
	return c, nil
}

// WireUpstream finds, via findOwner, the not-yet-published Commit that
// most recently output each of rec's inputs/refs, records it as
// Upstream, and registers c on that commit's Downstream list. A nil
// return from findOwner means the input/ref isn't pending in any
// unpublished commit (already on-chain), which isn't an error.
func (c *Commit) WireUpstream(findOwner func(creation.Creation) *Commit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[*Commit]bool{}
	for _, in := range append(c.Rec.Inputs(), c.Rec.Refs()...) {
		owner := findOwner(in)
		if owner == nil || owner == c || seen[owner] {
			continue
		}
		seen[owner] = true
		c.Upstream = append(c.Upstream, owner)
		owner.mu.Lock()
		owner.Downstream = append(owner.Downstream, c)
		owner.mu.Unlock()
	}
	c.maybeReady()
}

// maybeReady transitions building→ready once every upstream commit has
// published, firing onReady listeners exactly once. Caller must hold mu.
func (c *Commit) maybeReady() {
	if c.Status != StatusBuilding {
		return
	}
	for _, u := range c.Upstream {
		u.mu.Lock()
		published := u.Status == StatusPublished
		u.mu.Unlock()
		if !published {
			return
		}
	}
	c.Status = StatusReady
	for _, f := range c.onReady {
		f(c)
	}
}

// NotifyUpstreamPublished is called by an upstream commit once it
// publishes, letting c re-check readiness.
func (c *Commit) NotifyUpstreamPublished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeReady()
}

// OnReady, OnUpdate, OnPublish register event listeners (spec §5:
// emit('update') at snapshot/rollback, emit('publish') on broadcast).
func (c *Commit) OnReady(f func(*Commit))   { c.mu.Lock(); c.onReady = append(c.onReady, f); c.mu.Unlock() }
func (c *Commit) OnUpdate(f func(*Commit))  { c.mu.Lock(); c.onUpdate = append(c.onUpdate, f); c.mu.Unlock() }
func (c *Commit) OnPublish(f func(*Commit)) { c.mu.Lock(); c.onPublish = append(c.onPublish, f); c.mu.Unlock() }

func (c *Commit) emitUpdate() {
	for _, f := range c.onUpdate {
		f(c)
	}
}

// Oracles bundles the external collaborators Publish drives, per §6.
type Oracles struct {
	Blockchain oracle.Blockchain
	Cache      oracle.Cache
	State      oracle.State // optional; may be nil
	Owner      oracle.Owner
	Purse      oracle.Purse
	Encoder    *capture.Encoder
}

// Publish runs the seven-step procedure of spec §4.11. It requires
// Status == StatusReady (the caller is responsible for waiting on
// OnReady if upstream commits are still publishing).
func (c *Commit) Publish(ctx context.Context, o Oracles) error {
	c.mu.Lock()
	if c.Status != StatusReady {
		c.mu.Unlock()
		return kernel.Wrap(kernel.ErrInternal, fmt.Sprintf("publish called in status %s, want ready", c.Status), nil)
	}
	c.Status = StatusPublishing
	c.mu.Unlock()

	if err := c.buildRefmap(); err != nil {
		return c.fail(ctx, o, kernel.Wrap(kernel.ErrInternal, "build refmap", err))
	}

	rawtx, metaOutputOrder, err := c.assembleTransaction(o.Encoder)
	if err != nil {
		return c.fail(ctx, o, kernel.Wrap(kernel.ErrInternal, "assemble transaction", err))
	}

	parents := c.parentUTXOs()
	locks := c.jigLocks()

	rawtx, err = o.Owner.Sign(ctx, rawtx, parents, locks)
	if err != nil {
		return c.fail(ctx, o, kernel.Wrap(kernel.ErrInternal, "owner sign", err))
	}

	rawtx, err = o.Purse.Pay(ctx, rawtx, parents)
	if err != nil {
		return c.fail(ctx, o, kernel.Wrap(kernel.ErrInternal, "purse pay", err))
	}

	txid, err := o.Blockchain.Broadcast(ctx, rawtx)
	if err != nil {
		return c.fail(ctx, o, kernel.Wrap(kernel.ErrInternal, "broadcast", err))
	}
	if o.State != nil {
		// Best-effort: the state oracle's broadcast hook is a latency
		// optimization, never load-bearing for correctness.
		_ = o.State.Broadcast(ctx, rawtx)
	}

	c.mu.Lock()
	c.txid = txid
	c.Status = StatusPublished
	c.Published = true
	c.mu.Unlock()

	if err := c.persist(ctx, o, txid, rawtx, metaOutputOrder); err != nil {
		return kernel.Wrap(kernel.ErrInternal, "persist after broadcast", err)
	}

	for _, d := range c.Downstream {
		d.NotifyUpstreamPublished()
	}
	for _, f := range c.onPublish {
		f(c)
	}
	return nil
}

// buildRefmap loads every input/ref's pre-version [location, nonce]
// into Refmap, keyed by origin (spec §4.11 publish step 1).
func (c *Commit) buildRefmap() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, in := range append(c.Rec.Inputs(), c.Rec.Refs()...) {
		snap, ok := c.Rec.Before(in)
		if !ok {
			return fmt.Errorf("commit: no before-snapshot for input/ref %v", in.Kind())
		}
		origin := ""
		if snap.Bindings.Origin != nil {
			origin = snap.Bindings.Origin.String()
		}
		loc := ""
		if snap.Bindings.Location != nil {
			loc = snap.Bindings.Location.String()
		}
		c.Refmap[origin] = RefEntry{Location: loc, Nonce: snap.Bindings.Nonce}
	}
	return nil
}

// metadata mirrors the six-field transaction marker payload of spec §6.
type metadata struct {
	In   int             `json:"in"`
	Ref  []string        `json:"ref"`
	Out  []string        `json:"out"`
	Del  []string        `json:"del"`
	Cre  []interface{}   `json:"cre"`
	Exec []actionPayload `json:"exec"`
}

type actionPayload struct {
	Op   string      `json:"op"`
	Data interface{} `json:"data"`
}

// assembleTransaction builds the OP_RETURN marker plus spend/create
// outputs (spec §4.11 publish step 2), returning the unsigned
// transaction hex and the deterministic output creation order so
// persist() can map vrun+1+i back to a creation after broadcast.
func (c *Commit) assembleTransaction(encoder *capture.Encoder) (string, []creation.Creation, error) {
	tx := wire.NewMsgTx(2)

	inputs := c.Rec.Inputs()
	for _, in := range inputs {
		snap, _ := c.Rec.Before(in)
		if snap.Bindings.Location == nil || snap.Bindings.Location.TxID == "" {
			return "", nil, fmt.Errorf("commit: input has no spendable prior location")
		}
		hash, err := chainhash.NewHashFromStr(snap.Bindings.Location.TxID)
		if err != nil {
			return "", nil, fmt.Errorf("commit: bad prior txid: %w", err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, uint32(snap.Bindings.Location.Index)), nil, nil))
	}

	meta, err := c.buildMetadata(encoder)
	if err != nil {
		return "", nil, err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", nil, fmt.Errorf("commit: marshal metadata: %w", err)
	}

	markerScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_FALSE).
		AddOp(txscript.OP_RETURN).
		AddData([]byte("run")).
		AddData([]byte(fmt.Sprintf("%02x", ProtocolVersion))).
		AddData([]byte(AppName)).
		AddData(metaJSON).
		Script()
	if err != nil {
		return "", nil, fmt.Errorf("commit: build marker script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(0, markerScript))

	outputs := c.Rec.Outputs()
	for _, out := range outputs {
		b := out.GetBindings()
		if b.Owner == nil {
			return "", nil, fmt.Errorf("commit: output %v has no owner lock", out.Kind())
		}
		scriptHex, err := b.Owner.Script()
		if err != nil {
			return "", nil, fmt.Errorf("commit: lock script: %w", err)
		}
		scriptBytes, err := hex.DecodeString(scriptHex)
		if err != nil {
			return "", nil, fmt.Errorf("commit: lock script is not hex: %w", err)
		}
		satoshis := b.Satoshis
		if satoshis < MinOutputSatoshis {
			satoshis = MinOutputSatoshis
		}
		tx.AddTxOut(wire.NewTxOut(int64(satoshis), scriptBytes))
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", nil, fmt.Errorf("commit: serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), outputs, nil
}

func (c *Commit) buildMetadata(encoder *capture.Encoder) (metadata, error) {
	inputs := c.Rec.Inputs()
	refs := c.Rec.Refs()
	outputs := c.Rec.Outputs()
	deletes := c.Rec.Deletes()

	m := metadata{
		In:   len(inputs),
		Ref:  make([]string, 0, len(inputs)+len(refs)),
		Out:  make([]string, len(outputs)),
		Del:  make([]string, len(deletes)),
		Cre:  make([]interface{}, len(outputs)),
		Exec: actionsToPayload(c.Rec.Actions()),
	}
	for _, in := range inputs {
		m.Ref = append(m.Ref, c.locationOf(in))
	}
	for _, r := range refs {
		m.Ref = append(m.Ref, c.locationOf(r))
	}
	for i, out := range outputs {
		if _, ok := c.After[out]; !ok {
			return metadata{}, fmt.Errorf("commit: missing after-snapshot for output")
		}
		_, h, err := encoder.CaptureAndHash(out)
		if err != nil {
			return metadata{}, fmt.Errorf("commit: hash output: %w", err)
		}
		m.Out[i] = h
		b := out.GetBindings()
		if b.Owner != nil {
			s, _ := b.Owner.Script()
			m.Cre[i] = s
		}
	}
	for i, del := range deletes {
		if _, ok := c.After[del]; !ok {
			return metadata{}, fmt.Errorf("commit: missing after-snapshot for delete")
		}
		_, h, err := encoder.CaptureAndHash(del)
		if err != nil {
			return metadata{}, fmt.Errorf("commit: hash delete: %w", err)
		}
		m.Del[i] = h
	}
	return m, nil
}

func (c *Commit) locationOf(cr creation.Creation) string {
	snap, ok := c.Rec.Before(cr)
	if !ok || snap.Bindings.Location == nil {
		return ""
	}
	return snap.Bindings.Location.String()
}

func actionsToPayload(actions []record.Action) []actionPayload {
	out := make([]actionPayload, len(actions))
	for i, a := range actions {
		out[i] = actionPayload{Op: a.Op.String(), Data: a.Data}
	}
	return out
}

func (c *Commit) parentUTXOs() []oracle.UTXO {
	var out []oracle.UTXO
	for _, in := range c.Rec.Inputs() {
		snap, ok := c.Rec.Before(in)
		if !ok || snap.Bindings.Location == nil {
			continue
		}
		scriptHex := ""
		if snap.Bindings.Owner != nil {
			scriptHex, _ = snap.Bindings.Owner.Script()
		}
		out = append(out, oracle.UTXO{
			Txid:     snap.Bindings.Location.TxID,
			Vout:     snap.Bindings.Location.Index,
			Script:   scriptHex,
			Satoshis: snap.Bindings.Satoshis,
		})
	}
	return out
}

func (c *Commit) jigLocks() []interface{} {
	var out []interface{}
	for _, in := range c.Rec.Inputs() {
		snap, ok := c.Rec.Before(in)
		if !ok {
			continue
		}
		out = append(out, snap.Bindings.Owner)
	}
	return out
}

// persist writes the post-publish cache entries (spec §4.11 publish
// step 6): jig://<final-location> states, the tx:// body, and
// spend://<input-location> pointers.
func (c *Commit) persist(ctx context.Context, o Oracles, txid, rawtx string, outputs []creation.Creation) error {
	if o.Cache == nil {
		return nil
	}
	for i, out := range outputs {
		loc := &location.Location{Dialect: location.DialectJig, TxID: txid, Index: i + 1}
		out.GetBindings().Location = loc
		out.SetBindings(out.GetBindings())
		state, _, err := o.Encoder.CaptureAndHash(out)
		if err != nil {
			return fmt.Errorf("commit: capture final state: %w", err)
		}
		if err := o.Cache.Set(ctx, "jig://"+loc.String(), state.ToValue()); err != nil {
			return fmt.Errorf("commit: persist jig state: %w", err)
		}
	}
	if err := o.Cache.Set(ctx, "tx://"+txid, rawtx); err != nil {
		return fmt.Errorf("commit: persist tx body: %w", err)
	}
	for _, in := range c.Rec.Inputs() {
		snap, ok := c.Rec.Before(in)
		if !ok || snap.Bindings.Location == nil {
			continue
		}
		key := "spend://" + snap.Bindings.Location.String()
		if err := o.Cache.Set(ctx, key, txid); err != nil {
			return fmt.Errorf("commit: persist spend pointer: %w", err)
		}
	}
	return nil
}

// fail runs publish step 7: every output/delete takes an
// error://Unhandled location, bindings roll back to their before
// snapshot, and the failure propagates to the entire downstream chain.
func (c *Commit) fail(ctx context.Context, o Oracles, cause error) error {
	c.mu.Lock()
	c.Status = StatusFailed
	c.mu.Unlock()

	errLoc := &location.Location{Dialect: location.DialectError, Message: "Unhandled " + cause.Error()}
	for _, out := range append(c.Rec.Outputs(), c.Rec.Deletes()...) {
		b := out.GetBindings()
		if before, ok := c.Rec.Before(out); ok {
			*b = before.Bindings
		}
		b.Location = errLoc
		out.SetBindings(b)
	}
	c.emitUpdate()

	for _, d := range c.Downstream {
		d.propagateFailure(ctx, o, cause)
	}
	return cause
}

func (c *Commit) propagateFailure(ctx context.Context, o Oracles, cause error) {
	_ = c.fail(ctx, o, fmt.Errorf("upstream commit failed: %w", cause))
}
