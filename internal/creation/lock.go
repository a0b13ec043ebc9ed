package creation

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// P2PKHLock is the standard lock: any string address coerces to this per
// spec §3's Bindings invariant ("strings are coerced to the standard
// P2PKH lock after validation").
type P2PKHLock struct {
	Address string
	Net     *chaincfg.Params
}

// NewP2PKHLock validates addr against net and returns the lock, or an
// ArgumentError-class error if addr is not a valid P2PKH address on net.
func NewP2PKHLock(addr string, net *chaincfg.Params) (*P2PKHLock, error) {
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	decoded, err := btcutil.DecodeAddress(addr, net)
	if err != nil {
		return nil, fmt.Errorf("creation: invalid address %q: %w", addr, err)
	}
	if _, ok := decoded.(*btcutil.AddressPubKeyHash); !ok {
		return nil, fmt.Errorf("creation: %q is not a P2PKH address", addr)
	}
	return &P2PKHLock{Address: addr, Net: net}, nil
}

func (l *P2PKHLock) Script() (string, error) {
	net := l.Net
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	addr, err := btcutil.DecodeAddress(l.Address, net)
	if err != nil {
		return "", fmt.Errorf("creation: decode P2PKH address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", fmt.Errorf("creation: build P2PKH script: %w", err)
	}
	return hex.EncodeToString(script), nil
}

// Domain is P2PKH's standard unlocking size: a DER signature (~72 bytes)
// plus a compressed pubkey (33 bytes) plus push opcodes, rounded up.
func (l *P2PKHLock) Domain() int { return 108 }

// TaprootLock is the single-key-spend Taproot alternative lock, backed
// by a BIP340/341 x-only output key rather than a hash160 of a pubkey.
type TaprootLock struct {
	InternalKey *btcec.PublicKey
	Net         *chaincfg.Params
}

func NewTaprootLock(pubKeyHex string, net *chaincfg.Params) (*TaprootLock, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("creation: invalid taproot pubkey hex: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("creation: invalid taproot pubkey: %w", err)
	}
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	return &TaprootLock{InternalKey: pub, Net: net}, nil
}

func (l *TaprootLock) Script() (string, error) {
	outputKey := txscript.ComputeTaprootKeyNoScript(l.InternalKey)
	addr, err := btcutil.NewAddressTaproot(
		outputKey.SerializeCompressed()[1:], l.Net)
	if err != nil {
		return "", fmt.Errorf("creation: build taproot address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", fmt.Errorf("creation: build taproot script: %w", err)
	}
	return hex.EncodeToString(script), nil
}

// Domain is Taproot key-path spend's unlocking size: a single 64-byte
// Schnorr signature (65 with an optional sighash byte), well under a
// P2PKH spend.
func (l *TaprootLock) Domain() int { return 65 }
