package httpchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// p2pkhScriptHex builds the hex scriptPubKey for addr, for use as a
// UTXOs() argument.
func p2pkhScriptHex(t *testing.T, addr string, net *chaincfg.Params) string {
	t.Helper()
	decoded, err := btcutil.DecodeAddress(addr, net)
	if err != nil {
		t.Fatalf("decode addr: %v", err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	return hex.EncodeToString(script)
}

func TestFetchReturnsRawHex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tx/abc123/hex" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, "deadbeef")
	}))
	defer srv.Close()

	c := New(srv.URL, &chaincfg.TestNet3Params, time.Minute)
	rawtx, err := c.Fetch(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rawtx != "deadbeef" {
		t.Fatalf("rawtx = %q, want deadbeef", rawtx)
	}
}

func TestBroadcastPostsRawTxAndReturnsTxid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tx" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, "txid-123\n")
	}))
	defer srv.Close()

	c := New(srv.URL, &chaincfg.TestNet3Params, 0)
	txid, err := c.Broadcast(context.Background(), "0200deadbeef")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if txid != "txid-123" {
		t.Fatalf("txid = %q, want txid-123", txid)
	}
}

func TestSpendsReportsSpenderOrEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/spent/outspend/0":
			fmt.Fprint(w, `{"spent":true,"txid":"spender-txid"}`)
		case "/tx/unspent/outspend/0":
			fmt.Fprint(w, `{"spent":false}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, &chaincfg.TestNet3Params, 0)

	spender, err := c.Spends(context.Background(), "spent", 0)
	if err != nil {
		t.Fatalf("Spends: %v", err)
	}
	if spender != "spender-txid" {
		t.Fatalf("spender = %q, want spender-txid", spender)
	}

	spender, err = c.Spends(context.Background(), "unspent", 0)
	if err != nil {
		t.Fatalf("Spends: %v", err)
	}
	if spender != "" {
		t.Fatalf("spender = %q, want empty", spender)
	}
}

func TestTimeReturnsZeroForUnconfirmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/pending":
			fmt.Fprint(w, `{"status":{"confirmed":false}}`)
		case "/tx/mined":
			fmt.Fprint(w, `{"status":{"confirmed":true,"block_time":1700000000}}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, &chaincfg.TestNet3Params, 0)

	ts, err := c.Time(context.Background(), "pending")
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if ts != 0 {
		t.Fatalf("ts = %d, want 0 for unconfirmed", ts)
	}

	ts, err = c.Time(context.Background(), "mined")
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if ts != 1700000000*1000 {
		t.Fatalf("ts = %d, want %d", ts, 1700000000*1000)
	}
}

func TestUTXOsResolvesScriptToAddressAndParsesList(t *testing.T) {
	net := &chaincfg.TestNet3Params
	addr := "mfWxJ45yp2SFn7UciZyNpvDKrzbhyfKrY8"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/address/"+addr+"/utxo" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `[{"txid":"t1","vout":0,"value":1000,"status":{"confirmed":true}}]`)
	}))
	defer srv.Close()

	c := New(srv.URL, net, 0)
	scriptHex := p2pkhScriptHex(t, addr, net)

	utxos, err := c.UTXOs(context.Background(), scriptHex)
	if err != nil {
		t.Fatalf("UTXOs: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Txid != "t1" || utxos[0].Satoshis != 1000 {
		t.Fatalf("utxos = %#v", utxos)
	}
}

func TestGetDedupedCoalescesConcurrentCallers(t *testing.T) {
	var hits int64
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		<-release
		fmt.Fprint(w, "cafebabe")
	}))
	defer srv.Close()

	c := New(srv.URL, &chaincfg.TestNet3Params, time.Minute)

	done := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			body, err := c.getDeduped(context.Background(), "/tx/shared/hex")
			if err != nil {
				t.Errorf("getDeduped: %v", err)
			}
			done <- string(body)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)

	r1, r2 := <-done, <-done
	if r1 != "cafebabe" || r2 != "cafebabe" {
		t.Fatalf("unexpected bodies %q %q", r1, r2)
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Fatalf("hits = %d, want 1 (in-flight dedup should coalesce)", hits)
	}
}

func TestGetDedupedServesCachedResultWithinTTL(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		fmt.Fprint(w, "result")
	}))
	defer srv.Close()

	c := New(srv.URL, &chaincfg.TestNet3Params, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := c.getDeduped(context.Background(), "/tx/x/hex"); err != nil {
			t.Fatalf("getDeduped: %v", err)
		}
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Fatalf("hits = %d, want 1 (cached result should be reused)", hits)
	}
}
