package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"finsync/internal/core"
)

// testEnv points the CLI at a temp store and the given API base URL.
func testEnv(t *testing.T, apiBaseURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FINSYNC_DB_PATH", filepath.Join(dir, "finsync.db"))
	t.Setenv("FINSYNC_CREDENTIALS_PATH", filepath.Join(dir, "credentials.json"))
	t.Setenv("API_BASE_URL", apiBaseURL)
	t.Setenv("GUEST_MODE", "false")
	t.Setenv("AMQP_URL", "")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	cmd := rootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	a.close()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("finsync %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// row returns the fields of the last output line starting with prefix.
func row(out, prefix string) []string {
	var fields []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			fields = strings.Fields(line)
		}
	}
	return fields
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "version")
	if !strings.Contains(out, Version) {
		t.Errorf("version output %q", out)
	}
}

func TestCommandsRequireSession(t *testing.T) {
	testEnv(t, "http://localhost:3000/api")

	for _, args := range [][]string{
		{"status"},
		{"wallet", "list"},
		{"sync"},
	} {
		if _, err := run(t, args...); !errors.Is(err, errNoSession) {
			t.Errorf("%v: expected errNoSession, got %v", args, err)
		}
	}
}

func TestGuestSession_LocalOnly(t *testing.T) {
	testEnv(t, "http://localhost:3000/api")

	out := mustRun(t, "login", "--guest")
	if !strings.Contains(out, "Guest session started") {
		t.Fatalf("login output %q", out)
	}

	mustRun(t, "txn", "add", "--amount", "12.50", "--category", "Food", "--date", "2024-06-03")
	mustRun(t, "txn", "add", "--amount", "100", "--type", "income", "--category", "Salary", "--date", "2024-06-01")
	lunch := strings.TrimSpace(mustRun(t, "txn", "add", "--amount", "7", "--category", "Food", "--date", "2024-06-04"))

	out = mustRun(t, "summary", "--month", "2024-06")
	if got := row(out, "Net"); len(got) != 2 || got[1] != "80.50" {
		t.Errorf("net row = %v\n%s", got, out)
	}
	if got := row(out, "  Food"); len(got) != 2 || got[1] != "19.50" {
		t.Errorf("food row = %v\n%s", got, out)
	}

	mustRun(t, "delete", "transaction", lunch)
	if out := mustRun(t, "txn", "list"); strings.Contains(out, lunch) {
		t.Errorf("deleted transaction still listed:\n%s", out)
	}

	out = mustRun(t, "status")
	if !strings.Contains(out, "guest") {
		t.Errorf("status should report guest mode:\n%s", out)
	}
	// A record the remote never saw is removed outright.
	if got := row(out, "transaction"); len(got) < 2 || got[1] != "2" {
		t.Errorf("transaction row = %v\n%s", got, out)
	}

	if _, err := run(t, "sync"); !errors.Is(err, core.ErrGuestMode) {
		t.Errorf("sync in guest mode: expected ErrGuestMode, got %v", err)
	}

	mustRun(t, "logout")
	if _, err := run(t, "status"); !errors.Is(err, errNoSession) {
		t.Errorf("after logout: expected errNoSession, got %v", err)
	}
}

func TestPIN(t *testing.T) {
	testEnv(t, "http://localhost:3000/api")
	mustRun(t, "login", "--guest")

	if _, err := run(t, "pin", "verify", "1234"); err == nil {
		t.Error("verify without a PIN should fail")
	}
	mustRun(t, "pin", "set", "1234")
	mustRun(t, "pin", "verify", "1234")
	if _, err := run(t, "pin", "verify", "9999"); err == nil {
		t.Error("wrong PIN accepted")
	}
	mustRun(t, "pin", "set", "5678")
	mustRun(t, "pin", "verify", "5678")
	if _, err := run(t, "pin", "set", "12ab"); err == nil {
		t.Error("non-digit PIN accepted")
	}
}

func TestLoginAndSyncWallet(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/wallets" {
			if r.Header.Get("Authorization") != "Bearer opaque-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			creates.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"rw-1"}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	testEnv(t, srv.URL+"/api")

	if _, err := run(t, "login", "https://auth?token=x&userId=u1"); err == nil {
		t.Fatal("login with the wrong scheme should fail")
	}
	out := mustRun(t, "login", "finsync://auth?token=opaque-token&userId=u1&email=ann@example.com&name=Ann")
	if !strings.Contains(out, "Signed in as u1") {
		t.Fatalf("login output %q", out)
	}

	id := strings.TrimSpace(mustRun(t, "wallet", "add", "--name", "Cash", "--balance", "10"))

	out = mustRun(t, "sync", "--kind", "wallet", "--changes")
	if !strings.Contains(out, "wallet "+id+" state_changed") {
		t.Errorf("expected state changes for %s:\n%s", id, out)
	}
	if got := row(out, "wallet"); len(got) < 3 || got[2] != "1" {
		t.Fatalf("wallet report row = %v\n%s", got, out)
	}
	if creates.Load() != 1 {
		t.Errorf("remote creates = %d, want 1", creates.Load())
	}

	out = mustRun(t, "wallet", "list")
	if got := row(out, id); len(got) != 5 || got[4] != string(core.SyncSynced) {
		t.Errorf("wallet row = %v\n%s", got, out)
	}

	// Nothing left to push.
	mustRun(t, "sync", "--kind", "wallet")
	if creates.Load() != 1 {
		t.Errorf("remote creates after second sync = %d, want 1", creates.Load())
	}

	if _, err := run(t, "sync", "--kind", "budget"); err == nil {
		t.Error("unknown kind accepted")
	}
}
