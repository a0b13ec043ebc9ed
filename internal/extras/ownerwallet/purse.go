package ownerwallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitjig/rund/internal/oracle"
)

// feePerByte is a conservative flat-rate fee estimate; a production
// purse would pull this from the chain's fee-estimate endpoint
// (internal/extras/httpchain talks to one) but nothing in this codebase
// threads that value down to oracle.Purse yet, so a constant is the
// honest placeholder.
const feePerByte = 2

// Purse is the default oracle.Purse: a single-address HD wallet (its
// own branch of the same BIP44 tree a Wallet derives jig-owner
// addresses from, kept separate so funding UTXOs are never mistaken for
// a jig's own backing output) that funds a transaction by adding its own
// UTXOs as extra inputs and a change output back to itself.
type Purse struct {
	mu    sync.Mutex
	chain oracle.Blockchain
	net   *chaincfg.Params
	priv  *btcec.PrivateKey
	addr  btcutil.Address
}

// NewPurse derives the funding address at m/44'/0'/1'/0/0 off the same
// master key a Wallet uses for owner addresses (account index 1 instead
// of 0, so the two never collide), and wires chain for UTXO lookups.
func NewPurse(mnemonic, passphrase string, net *chaincfg.Params, chain oracle.Blockchain) (*Purse, error) {
	w, err := New(mnemonic, passphrase, net)
	if err != nil {
		return nil, err
	}
	priv, addr, err := derivePurseKey(w, net)
	if err != nil {
		return nil, err
	}
	return &Purse{chain: chain, net: net, priv: priv, addr: addr}, nil
}

// derivePurseKey derives m/44'/0'/1'/0/0: account index 1, so the
// funding address never collides with a Wallet's own account-0 owner
// addresses derived from the same mnemonic.
func derivePurseKey(w *Wallet, net *chaincfg.Params) (*btcec.PrivateKey, btcutil.Address, error) {
	const purseAccount = 1
	purposeKey, err := w.masterKey.Derive(hdkeychain.HardenedKeyStart + bip44Purpose)
	if err != nil {
		return nil, nil, err
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + bip44CoinType)
	if err != nil {
		return nil, nil, err
	}
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + purseAccount)
	if err != nil {
		return nil, nil, err
	}
	changeKey, err := accountKey.Derive(0)
	if err != nil {
		return nil, nil, err
	}
	addrKey, err := changeKey.Derive(0)
	if err != nil {
		return nil, nil, err
	}
	priv, err := addrKey.ECPrivKey()
	if err != nil {
		return nil, nil, err
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), net)
	if err != nil {
		return nil, nil, err
	}
	return priv, addr, nil
}

// Pay adds enough of the purse's own UTXOs as new inputs to cover
// parents' shortfall plus an estimated fee, signs those inputs, and
// appends a change output back to the purse address if the remainder
// exceeds the dust floor.
func (p *Purse) Pay(ctx context.Context, rawtx string, parents []oracle.UTXO) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := decodeTx(rawtx)
	if err != nil {
		return "", fmt.Errorf("ownerwallet: purse decode tx: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(p.addr)
	if err != nil {
		return "", fmt.Errorf("ownerwallet: purse pay-to-addr script: %w", err)
	}
	scriptHex := fmt.Sprintf("%x", pkScript)

	utxos, err := p.chain.UTXOs(ctx, scriptHex)
	if err != nil {
		return "", fmt.Errorf("ownerwallet: purse list utxos: %w", err)
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("ownerwallet: purse has no funding utxos")
	}

	estimatedSize := tx.SerializeSize() + len(utxos)*150 + 50
	fee := uint64(estimatedSize * feePerByte)

	var outputTotal uint64
	for _, out := range tx.TxOut {
		outputTotal += uint64(out.Value)
	}
	var parentTotal uint64
	for _, u := range parents {
		parentTotal += u.Satoshis
	}

	need := fee
	if outputTotal > parentTotal {
		need += outputTotal - parentTotal
	}

	firstFundingIndex := len(tx.TxIn)
	var collected uint64
	for _, u := range utxos {
		if collected >= need {
			break
		}
		hash, err := chainhash.NewHashFromStr(u.Txid)
		if err != nil {
			return "", fmt.Errorf("ownerwallet: purse utxo txid %q: %w", u.Txid, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, uint32(u.Vout)), nil, nil))
		collected += u.Satoshis
	}
	if collected < need {
		return "", fmt.Errorf("ownerwallet: purse insufficient funds: have %d, need %d", collected, need)
	}

	if change := collected - need; change > 546 {
		tx.AddTxOut(wire.NewTxOut(int64(change), pkScript))
	}

	for i := firstFundingIndex; i < len(tx.TxIn); i++ {
		sigScript, err := txscript.SignatureScript(tx, i, pkScript, txscript.SigHashAll, p.priv.ToECDSA(), true)
		if err != nil {
			return "", fmt.Errorf("ownerwallet: purse sign funding input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	return encodeTx(tx)
}

// Broadcast delegates to the chain oracle; Commit.Publish already calls
// Blockchain.Broadcast itself, so this exists only for a caller that
// holds a Purse without a separate Blockchain reference at hand.
func (p *Purse) Broadcast(ctx context.Context, rawtx string) error {
	_, err := p.chain.Broadcast(ctx, rawtx)
	return err
}

// Cancel is a no-op: this purse never reserves UTXOs ahead of Pay (no
// in-memory "pending spend" set), so there is nothing to release.
func (p *Purse) Cancel(ctx context.Context, rawtx string) error {
	return nil
}

var _ oracle.Purse = (*Purse)(nil)
