package ownerwallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/oracle"
)

// stubChain is a minimal oracle.Blockchain fake giving Purse.Pay a fixed
// UTXO set and recording anything broadcast through it.
type stubChain struct {
	utxos       []oracle.UTXO
	broadcasted []string
}

func (s *stubChain) Network() string { return "testnet" }
func (s *stubChain) Broadcast(ctx context.Context, rawtx string) (string, error) {
	s.broadcasted = append(s.broadcasted, rawtx)
	return "deadbeef", nil
}
func (s *stubChain) Fetch(ctx context.Context, txid string) (string, error) { return "", nil }
func (s *stubChain) UTXOs(ctx context.Context, scriptHex string) ([]oracle.UTXO, error) {
	return s.utxos, nil
}
func (s *stubChain) Spends(ctx context.Context, txid string, vout int) (string, error) {
	return "", nil
}
func (s *stubChain) Time(ctx context.Context, txid string) (int64, error) { return 0, nil }

var _ oracle.Blockchain = (*stubChain)(nil)

func fundingTxid(b byte) string {
	h := chainhash.Hash{}
	h[0] = b
	return h.String()
}

func newTestPurse(t *testing.T, chain oracle.Blockchain) *Purse {
	t.Helper()
	p, err := NewPurse(testMnemonic, "", &chaincfg.TestNet3Params, chain)
	if err != nil {
		t.Fatalf("NewPurse: %v", err)
	}
	return p
}

func TestPurseDerivesAnAddressDistinctFromOwnerAccount(t *testing.T) {
	w := newTestWallet(t)
	p := newTestPurse(t, &stubChain{})

	lockVal, err := w.NextOwner(context.Background())
	if err != nil {
		t.Fatalf("NextOwner: %v", err)
	}
	ownerAddr := lockVal.(*creation.P2PKHLock).Address

	if p.addr.EncodeAddress() == "" {
		t.Fatal("expected purse to derive a non-empty address")
	}
	if p.addr.EncodeAddress() == ownerAddr {
		t.Fatal("expected purse address to differ from the owner account's first address")
	}
}

func TestPayFundsFromOwnUTXOsAndAddsChange(t *testing.T) {
	chain := &stubChain{utxos: []oracle.UTXO{
		{Txid: fundingTxid(1), Vout: 0, Satoshis: 100000},
	}}
	p := newTestPurse(t, chain)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	rawtx, err := encodeTx(tx)
	if err != nil {
		t.Fatalf("encodeTx: %v", err)
	}

	paid, err := p.Pay(context.Background(), rawtx, nil)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}

	paidTx, err := decodeTx(paid)
	if err != nil {
		t.Fatalf("decodeTx: %v", err)
	}
	if len(paidTx.TxIn) != 1 {
		t.Fatalf("expected one funding input, got %d", len(paidTx.TxIn))
	}
	if len(paidTx.TxIn[0].SignatureScript) == 0 {
		t.Fatal("expected the funding input to be signed")
	}
	if len(paidTx.TxOut) != 2 {
		t.Fatalf("expected an original output plus change, got %d outputs", len(paidTx.TxOut))
	}
}

func TestPayErrorsWhenUTXOsInsufficient(t *testing.T) {
	chain := &stubChain{utxos: []oracle.UTXO{
		{Txid: fundingTxid(1), Vout: 0, Satoshis: 10},
	}}
	p := newTestPurse(t, chain)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(100000, []byte{0x51}))
	rawtx, err := encodeTx(tx)
	if err != nil {
		t.Fatalf("encodeTx: %v", err)
	}

	if _, err := p.Pay(context.Background(), rawtx, nil); err == nil {
		t.Fatal("expected Pay to fail when funding utxos can't cover the shortfall")
	}
}

func TestPayErrorsWhenNoUTXOsAvailable(t *testing.T) {
	p := newTestPurse(t, &stubChain{})

	tx := wire.NewMsgTx(2)
	rawtx, err := encodeTx(tx)
	if err != nil {
		t.Fatalf("encodeTx: %v", err)
	}

	if _, err := p.Pay(context.Background(), rawtx, nil); err == nil {
		t.Fatal("expected Pay to fail with no funding utxos")
	}
}

func TestBroadcastDelegatesToChain(t *testing.T) {
	chain := &stubChain{}
	p := newTestPurse(t, chain)

	if err := p.Broadcast(context.Background(), "aabbcc"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(chain.broadcasted) != 1 || chain.broadcasted[0] != "aabbcc" {
		t.Fatalf("expected the raw tx to be forwarded to the chain, got %v", chain.broadcasted)
	}
}

func TestCancelIsANoOp(t *testing.T) {
	p := newTestPurse(t, &stubChain{})
	if err := p.Cancel(context.Background(), "whatever"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}
