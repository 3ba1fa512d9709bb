package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"lanpair/pairing"
	"lanpair/relay"
)

const testKeyshareJSON = `{"local_party_key":"KeyShare1","keygen_committee_keys":["KeyShare1","KeyShare2"],"pub_key":"02ab","chain_code_hex":"cc"}`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available")
	}
	path := filepath.Join(t.TempDir(), "ceremony.sh")
	script := "#!/bin/sh\ncat > \"$(dirname \"$0\")/stdin-$1.json\"\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// newTestRelay serves a relay where the other committee member already
// joined and completed.
func newTestRelay(t *testing.T, session string) string {
	t.Helper()
	ts := httptest.NewServer(relay.NewServer(relay.Config{}).Handler())
	t.Cleanup(ts.Close)

	client := relay.NewClient(time.Second)
	ctx := context.Background()
	if err := client.RegisterParties(ctx, ts.URL, session, []string{"KeyShare2"}); err != nil {
		t.Fatalf("RegisterParties failed: %v", err)
	}
	if err := client.MarkComplete(ctx, ts.URL, session, "KeyShare2"); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	return ts.URL
}

func newTestRunner(command string) *ExecRunner {
	return &ExecRunner{
		Command:        command,
		Network:        "mainnet",
		Client:         relay.NewClient(time.Second),
		PollInterval:   10 * time.Millisecond,
		CompletionWait: 200 * time.Millisecond,
	}
}

func testParams(serverURL string) pairing.CeremonyParams {
	return pairing.CeremonyParams{
		ServerURL:     serverURL,
		PartyID:       "KeyShare1",
		Committee:     "KeyShare1,KeyShare2",
		SessionID:     "session-1",
		EncryptionKey: "peerpub",
		DecryptionKey: "localpriv",
		Payload:       "deadbeef",
	}
}

func TestKeysignPassesRequestAndReturnsTxID(t *testing.T) {
	txid := strings.Repeat("0f", 32)
	script := writeScript(t, "echo "+txid)
	serverURL := newTestRelay(t, "session-1")

	ks, err := pairing.ParseKeyshare([]byte(testKeyshareJSON))
	if err != nil {
		t.Fatalf("ParseKeyshare failed: %v", err)
	}
	params := testParams(serverURL)
	params.Keyshare = ks
	params.ToAddress = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"
	params.Amount = 1500
	params.Fee = 20

	got, err := newTestRunner(script).Keysign(context.Background(), params)
	if err != nil {
		t.Fatalf("Keysign failed: %v", err)
	}
	if got != txid {
		t.Fatalf("unexpected txid %q", got)
	}

	raw, err := os.ReadFile(filepath.Join(filepath.Dir(script), "stdin-keysign.json"))
	if err != nil {
		t.Fatalf("read recorded stdin: %v", err)
	}
	var in request
	if err := json.Unmarshal(raw, &in); err != nil {
		t.Fatalf("decode recorded stdin: %v", err)
	}
	if in.PartyID != "KeyShare1" || in.SessionID != "session-1" || len(in.Committee) != 2 {
		t.Fatalf("unexpected request: %+v", in)
	}
	if in.Amount != 1500 || in.Fee != 20 || in.Derivation != DefaultDerivationPath || in.Network != "mainnet" {
		t.Fatalf("unexpected signing fields: %+v", in)
	}
	if string(in.Keyshare) != testKeyshareJSON {
		t.Fatalf("keyshare not forwarded: %s", in.Keyshare)
	}
}

func TestKeygenValidatesKeyshareOutput(t *testing.T) {
	serverURL := newTestRelay(t, "session-1")

	good := writeScript(t, "echo '"+testKeyshareJSON+"'")
	out, err := newTestRunner(good).Keygen(context.Background(), testParams(serverURL))
	if err != nil {
		t.Fatalf("Keygen failed: %v", err)
	}
	if out != testKeyshareJSON {
		t.Fatalf("unexpected keyshare %q", out)
	}

	bad := writeScript(t, "echo '{}'")
	if _, err := newTestRunner(bad).Keygen(context.Background(), testParams(serverURL)); err == nil {
		t.Fatalf("expected invalid keyshare to be rejected")
	}
}

func TestCeremonyFailureSurfacesStderr(t *testing.T) {
	serverURL := newTestRelay(t, "session-1")
	script := writeScript(t, "echo 'insufficient funds for fee' >&2\nexit 3")

	_, err := newTestRunner(script).Keygen(context.Background(), testParams(serverURL))
	if err == nil || err.Error() != "insufficient funds for fee" {
		t.Fatalf("expected stderr verbatim, got %v", err)
	}
}

func TestKeysignRejectsNonTxIDOutput(t *testing.T) {
	serverURL := newTestRelay(t, "session-1")
	script := writeScript(t, "echo 'utxo not found'")
	ks, _ := pairing.ParseKeyshare([]byte(testKeyshareJSON))
	params := testParams(serverURL)
	params.Keyshare = ks

	_, err := newTestRunner(script).Keysign(context.Background(), params)
	if err == nil || err.Error() != "utxo not found" {
		t.Fatalf("expected ceremony output as error, got %v", err)
	}
}

func TestJoinWaitsForCommittee(t *testing.T) {
	ts := httptest.NewServer(relay.NewServer(relay.Config{}).Handler())
	defer ts.Close()
	script := writeScript(t, "echo never")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := newTestRunner(script).Keygen(ctx, testParams(ts.URL))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while waiting for the committee, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(script), "stdin-keygen.json")); statErr == nil {
		t.Fatalf("ceremony must not run before the committee joined")
	}
}

func TestRunWithoutCommand(t *testing.T) {
	if _, err := (&ExecRunner{}).Keygen(context.Background(), testParams("http://127.0.0.1:1")); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("expected ErrNoCommand, got %v", err)
	}
}
