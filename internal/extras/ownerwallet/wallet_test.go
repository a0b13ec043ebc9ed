package ownerwallet

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"

	"github.com/bitjig/rund/internal/creation"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := New(testMnemonic, "", &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestGenerateMnemonicIsValid(t *testing.T) {
	m, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	if m == "" {
		t.Fatal("expected a non-empty mnemonic")
	}
	if !bip39.IsMnemonicValid(m) {
		t.Fatal("expected a valid BIP39 mnemonic")
	}
}

func TestNextOwnerAdvancesAndReturnsDistinctLocks(t *testing.T) {
	w := newTestWallet(t)

	l1, err := w.NextOwner(context.Background())
	if err != nil {
		t.Fatalf("NextOwner: %v", err)
	}
	l2, err := w.NextOwner(context.Background())
	if err != nil {
		t.Fatalf("NextOwner: %v", err)
	}

	lock1 := l1.(*creation.P2PKHLock)
	lock2 := l2.(*creation.P2PKHLock)
	if lock1.Address == lock2.Address {
		t.Fatal("expected successive NextOwner calls to derive distinct addresses")
	}
	if w.nextIndex != 2 {
		t.Fatalf("nextIndex = %d, want 2", w.nextIndex)
	}
}

func TestSignFillsInOwnedInputs(t *testing.T) {
	w := newTestWallet(t)

	lockVal, err := w.NextOwner(context.Background())
	if err != nil {
		t.Fatalf("NextOwner: %v", err)
	}
	lock := lockVal.(*creation.P2PKHLock)

	tx := wire.NewMsgTx(2)
	var prevHash chainhash.Hash
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	rawtx, err := encodeTx(tx)
	if err != nil {
		t.Fatalf("encodeTx: %v", err)
	}

	signed, err := w.Sign(context.Background(), rawtx, nil, []interface{}{lock})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	signedTx, err := decodeTx(signed)
	if err != nil {
		t.Fatalf("decodeTx: %v", err)
	}
	if len(signedTx.TxIn[0].SignatureScript) == 0 {
		t.Fatal("expected a non-empty signature script after Sign")
	}
}

func TestSignErrorsOnUnknownAddress(t *testing.T) {
	w := newTestWallet(t)

	other, err := creation.NewP2PKHLock("mfWxJ45yp2SFn7UciZyNpvDKrzbhyfKrY8", &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("NewP2PKHLock: %v", err)
	}

	tx := wire.NewMsgTx(2)
	var prevHash chainhash.Hash
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	rawtx, err := encodeTx(tx)
	if err != nil {
		t.Fatalf("encodeTx: %v", err)
	}

	if _, err := w.Sign(context.Background(), rawtx, nil, []interface{}{other}); err == nil {
		t.Fatal("expected Sign to fail for an address this wallet never minted")
	}
}

func TestEncodeDecodeTxRoundTrip(t *testing.T) {
	tx := wire.NewMsgTx(2)
	var prevHash chainhash.Hash
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 3), nil, nil))

	rawHex, err := encodeTx(tx)
	if err != nil {
		t.Fatalf("encodeTx: %v", err)
	}
	if _, err := hex.DecodeString(rawHex); err != nil {
		t.Fatalf("encodeTx did not produce valid hex: %v", err)
	}

	back, err := decodeTx(rawHex)
	if err != nil {
		t.Fatalf("decodeTx: %v", err)
	}
	if len(back.TxIn) != 1 || back.TxIn[0].PreviousOutPoint.Index != 3 {
		t.Fatalf("round trip mismatch: %#v", back.TxIn)
	}
}
