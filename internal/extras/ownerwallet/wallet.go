// Package ownerwallet is the default oracle.Owner: an HD wallet deriving
// one fresh P2PKH address per creation it mints, and signing jig inputs
// at publish time by looking the spent lock's address back up against
// the keys it handed out (spec §6, SPEC_FULL.md §2.18).
package ownerwallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"

	"github.com/bitjig/rund/internal/creation"
	"github.com/bitjig/rund/internal/oracle"
)

// purpose/coinType follow BIP44's hardened derivation path; coinType 0
// is Bitcoin mainnet's registered SLIP-44 value regardless of which net
// params this Wallet actually signs against (testnet reuses it too, the
// same way most Bitcoin-family wallets do for simplicity).
const (
	bip44Purpose  = 44
	bip44CoinType = 0
)

// GenerateMnemonic returns a fresh 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("ownerwallet: generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// Wallet is an HD-derived Owner: each NextOwner call advances one index
// along m/44'/0'/0'/0/<index> and remembers the resulting address's
// private key so a later Sign can find it again.
type Wallet struct {
	mu        sync.Mutex
	masterKey *hdkeychain.ExtendedKey
	net       *chaincfg.Params
	nextIndex uint32
	keys      map[string]*btcec.PrivateKey
}

// New builds a Wallet from a BIP39 mnemonic (optionally passphrase
// protected) against net (nil defaults to mainnet).
func New(mnemonic, passphrase string, net *chaincfg.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("ownerwallet: invalid mnemonic")
	}
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("ownerwallet: derive master key: %w", err)
	}
	return &Wallet{
		masterKey: master,
		net:       net,
		keys:      map[string]*btcec.PrivateKey{},
	}, nil
}

// deriveIndex derives m/44'/0'/0'/0/<index>.
func (w *Wallet) deriveIndex(index uint32) (*btcec.PrivateKey, error) {
	purposeKey, err := w.masterKey.Derive(hdkeychain.HardenedKeyStart + bip44Purpose)
	if err != nil {
		return nil, err
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + bip44CoinType)
	if err != nil {
		return nil, err
	}
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	changeKey, err := accountKey.Derive(0)
	if err != nil {
		return nil, err
	}
	addrKey, err := changeKey.Derive(index)
	if err != nil {
		return nil, err
	}
	return addrKey.ECPrivKey()
}

// NextOwner derives the next address in sequence and returns it as a
// *creation.P2PKHLock, remembering the private key for a future Sign.
func (w *Wallet) NextOwner(ctx context.Context) (interface{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	priv, err := w.deriveIndex(w.nextIndex)
	if err != nil {
		return nil, fmt.Errorf("ownerwallet: derive index %d: %w", w.nextIndex, err)
	}
	w.nextIndex++

	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), w.net)
	if err != nil {
		return nil, fmt.Errorf("ownerwallet: derive address: %w", err)
	}
	lock, err := creation.NewP2PKHLock(addr.EncodeAddress(), w.net)
	if err != nil {
		return nil, fmt.Errorf("ownerwallet: build lock: %w", err)
	}
	w.keys[lock.Address] = priv
	return lock, nil
}

// Sign fills in the signature script for every jig input of rawtx whose
// lock is a *creation.P2PKHLock this wallet minted (via a prior
// NextOwner), leaving any other input (the purse's own funding inputs,
// added later by Purse.Pay) untouched. parents[i]/locks[i] correspond
// 1:1 to tx.TxIn[i], the ordering internal/commit.assembleTransaction
// guarantees by building inputs from the same Record.Inputs() slice
// Sign's caller derives parents/locks from.
func (w *Wallet) Sign(ctx context.Context, rawtx string, parents []oracle.UTXO, locks []interface{}) (string, error) {
	tx, err := decodeTx(rawtx)
	if err != nil {
		return "", fmt.Errorf("ownerwallet: decode tx: %w", err)
	}
	if len(locks) > len(tx.TxIn) {
		return "", fmt.Errorf("ownerwallet: more locks (%d) than inputs (%d)", len(locks), len(tx.TxIn))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i, l := range locks {
		lock, ok := l.(*creation.P2PKHLock)
		if !ok {
			continue
		}
		priv, ok := w.keys[lock.Address]
		if !ok {
			return "", fmt.Errorf("ownerwallet: no private key for address %s", lock.Address)
		}
		pkScript, err := hexScript(lock)
		if err != nil {
			return "", fmt.Errorf("ownerwallet: lock script for input %d: %w", i, err)
		}
		sigScript, err := txscript.SignatureScript(tx, i, pkScript, txscript.SigHashAll, priv.ToECDSA(), true)
		if err != nil {
			return "", fmt.Errorf("ownerwallet: sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	return encodeTx(tx)
}

func hexScript(lock creation.Lock) ([]byte, error) {
	s, err := lock.Script()
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(s)
}

// decodeTx and encodeTx are tiny wire.MsgTx <-> hex helpers kept local
// to this file since no other extras package needs them verbatim (the
// blockchain oracle works with opaque raw-hex strings, never wire.MsgTx).
func decodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
