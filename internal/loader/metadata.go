// metadata.go decodes a raw Bitcoin transaction's marker output back
// into internal/replay's Metadata shape: the inverse of
// internal/commit's assembleTransaction/buildMetadata (spec §6's
// `OP_FALSE OP_RETURN "run" <version> <app> <metadata-json>` framing).
package loader

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitjig/rund/internal/codec"
	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/record"
	"github.com/bitjig/rund/internal/replay"
	"github.com/bitjig/rund/internal/script"
)

// wireMetadata is the six-field JSON payload of spec §6, before its
// exec[] entries are resolved into replay.ActionEntry values.
type wireMetadata struct {
	In   int              `json:"in"`
	Ref  []string         `json:"ref"`
	Out  []string         `json:"out"`
	Del  []string         `json:"del"`
	Cre  []interface{}    `json:"cre"`
	Exec []wireActionStep `json:"exec"`
}

type wireActionStep struct {
	Op   string      `json:"op"`
	Data interface{} `json:"data"`
}

// ParsedTx is everything the loader needs out of a fetched transaction:
// replay-ready Metadata plus the app name carried alongside it.
type ParsedTx struct {
	Meta replay.Metadata
	App  string
}

// ParseTx locates the marker output in rawtxHex and decodes it. argResolve
// loads the creation behind any $jig-tagged location string embedded
// inside a CALL/NEW argument payload; see ArgRefResolver for its limits.
func ParseTx(rawtxHex string, argResolve ArgRefResolver) (*ParsedTx, error) {
	raw, err := hex.DecodeString(rawtxHex)
	if err != nil {
		return nil, fmt.Errorf("loader: decode rawtx hex: %w", err)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("loader: deserialize tx: %w", err)
	}

	version, app, metaJSON, err := findMarker(tx)
	if err != nil {
		return nil, err
	}
	_ = version // carried for future multi-version dispatch; state version is pinned (capture.StateVersion)

	var wm wireMetadata
	if err := json.Unmarshal(metaJSON, &wm); err != nil {
		return nil, fmt.Errorf("loader: decode metadata json: %w", err)
	}

	exec, err := decodeExec(wm.Exec, argResolve)
	if err != nil {
		return nil, err
	}

	return &ParsedTx{
		Meta: replay.Metadata{
			In:   wm.In,
			Ref:  wm.Ref,
			Out:  wm.Out,
			Del:  wm.Del,
			Cre:  wm.Cre,
			Exec: exec,
			App:  app,
		},
		App: app,
	}, nil
}

// findMarker scans tx's outputs for the OP_FALSE OP_RETURN "run" marker
// and returns its three data pushes (version, app, metadata JSON).
func findMarker(tx *wire.MsgTx) (version, app string, metaJSON []byte, err error) {
	for _, out := range tx.TxOut {
		tokens, derr := txscript.PushedData(out.PkScript)
		if derr != nil || len(tokens) < 4 {
			continue
		}
		if string(tokens[0]) != "run" {
			continue
		}
		return string(tokens[1]), string(tokens[2]), tokens[3], nil
	}
	return "", "", nil, fmt.Errorf("loader: no run marker output found")
}

// ArgRefResolver loads a creation a CALL/NEW argument references by
// location string; the loader passes a closure over loadIn, recursing
// into its own session dedup.
//
// Scope note: only string-location $jig refs inside argument payloads
// are supported. A deploy-time numeric master-list index embedded deep
// inside an argument (as opposed to UPGRADE's ref/CALL's target/NEW's
// class top-level fields, which decodeExec resolves directly) would
// need dispatch-time access to replay's growing master list, which only
// the dispatcher holds; decoding args ahead of dispatch, as ParseTx
// does, cannot reach it.
type ArgRefResolver func(location string) (creation.Creation, error)

func decodeExec(steps []wireActionStep, argResolve ArgRefResolver) ([]replay.ActionEntry, error) {
	entries := make([]replay.ActionEntry, 0, len(steps))
	for _, step := range steps {
		entry, err := decodeStep(step, argResolve)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeStep(step wireActionStep, argResolve ArgRefResolver) (replay.ActionEntry, error) {
	switch step.Op {
	case "DEPLOY":
		items, ok := step.Data.([]interface{})
		if !ok || len(items) == 0 || len(items)%2 != 0 {
			return replay.ActionEntry{}, fmt.Errorf("loader: DEPLOY data must be a non-empty, even-length [src,props,...] array")
		}
		pairs := make([]replay.DeployPair, 0, len(items)/2)
		for i := 0; i < len(items); i += 2 {
			src, ok := items[i].(string)
			if !ok {
				return replay.ActionEntry{}, fmt.Errorf("loader: DEPLOY src at index %d is not a string", i)
			}
			props, _ := items[i+1].(map[string]interface{})
			pairs = append(pairs, replay.DeployPair{Src: src, Props: props})
		}
		return replay.ActionEntry{Op: record.OpDeploy, Data: pairs}, nil

	case "UPGRADE":
		items, ok := step.Data.([]interface{})
		if !ok || len(items) != 3 {
			return replay.ActionEntry{}, fmt.Errorf("loader: UPGRADE data must be [ref,src,props]")
		}
		ref, err := asIndex(items[0])
		if err != nil {
			return replay.ActionEntry{}, fmt.Errorf("loader: UPGRADE ref: %w", err)
		}
		src, ok := items[1].(string)
		if !ok {
			return replay.ActionEntry{}, fmt.Errorf("loader: UPGRADE src is not a string")
		}
		props, _ := items[2].(map[string]interface{})
		return replay.ActionEntry{Op: record.OpUpgrade, Data: replay.UpgradeData{Ref: ref, Src: src, Props: props}}, nil

	case "CALL":
		items, ok := step.Data.([]interface{})
		if !ok || len(items) != 3 {
			return replay.ActionEntry{}, fmt.Errorf("loader: CALL data must be [target,methodName,args]")
		}
		target, err := asIndex(items[0])
		if err != nil {
			return replay.ActionEntry{}, fmt.Errorf("loader: CALL target: %w", err)
		}
		method, ok := items[1].(string)
		if !ok {
			return replay.ActionEntry{}, fmt.Errorf("loader: CALL method is not a string")
		}
		rawArgs, _ := items[2].([]interface{})
		args, err := decodeArgs(rawArgs, argResolve)
		if err != nil {
			return replay.ActionEntry{}, fmt.Errorf("loader: CALL args: %w", err)
		}
		return replay.ActionEntry{Op: record.OpCall, Data: replay.CallData{Target: target, Method: method, Args: args}}, nil

	case "NEW":
		items, ok := step.Data.([]interface{})
		if !ok || len(items) != 2 {
			return replay.ActionEntry{}, fmt.Errorf("loader: NEW data must be [class,args]")
		}
		class, err := asIndex(items[0])
		if err != nil {
			return replay.ActionEntry{}, fmt.Errorf("loader: NEW class: %w", err)
		}
		rawArgs, _ := items[1].([]interface{})
		args, err := decodeArgs(rawArgs, argResolve)
		if err != nil {
			return replay.ActionEntry{}, fmt.Errorf("loader: NEW args: %w", err)
		}
		return replay.ActionEntry{Op: record.OpNew, Data: replay.NewData{Class: class, Args: args}}, nil

	default:
		return replay.ActionEntry{}, fmt.Errorf("loader: unknown exec op %q", step.Op)
	}
}

func asIndex(v interface{}) (int, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("expected a numeric index, got %T", v)
	}
	return int(f), nil
}

func decodeArgs(raw []interface{}, argResolve ArgRefResolver) ([]script.Value, error) {
	dec := codec.New(nil, func(payload interface{}) (creation.Creation, error) {
		loc, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("loader: unsupported $jig arg payload %T (only location strings supported)", payload)
		}
		return argResolve(loc)
	})
	out := make([]script.Value, len(raw))
	for i, r := range raw {
		v, err := dec.DecodeValue(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
