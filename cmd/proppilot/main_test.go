package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/pearcec/proppilot/internal/app"
	"github.com/pearcec/proppilot/internal/config"
	"github.com/pearcec/proppilot/internal/logging"
	"github.com/pearcec/proppilot/internal/store/memory"
)

const calendar = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:test\r\n" +
	"BEGIN:VEVENT\r\nUID:a@airbnb.com\r\nDTSTART;VALUE=DATE:20260305\r\nDTEND;VALUE=DATE:20260310\r\nSUMMARY:Reserved\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:b@airbnb.com\r\nDTSTART;VALUE=DATE:20260310\r\nDTEND;VALUE=DATE:20260312\r\nSUMMARY:Reserved\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var (
	fixedNow  = time.Date(2026, 3, 9, 16, 0, 0, 0, time.UTC)
	welcomeRe = regexp.MustCompile(`#(\d+) welcome `)
)

type harness struct {
	t          *testing.T
	dir        string
	configPath string
	feedURL    string
	cli        *cli
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(calendar))
	}))
	t.Cleanup(srv.Close)
	t.Setenv(config.EnvDatabase, "")
	t.Setenv(config.EnvStatusAddr, "")

	store := memory.New()
	dir := t.TempDir()
	h := &harness{
		t:          t,
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		feedURL:    srv.URL,
	}
	h.writeConfig("cabin")

	h.cli = &cli{newApp: func(cmd *cobra.Command, cfg *config.Config, opts ...app.Option) (*app.App, error) {
		opts = append(opts,
			app.WithStore(store),
			app.WithLogger(logging.Nop()),
			app.WithClock(func() time.Time { return fixedNow }))
		return app.New(cmd.Context(), cfg, opts...)
	}}
	return h
}

func (h *harness) writeConfig(propertyIDs ...string) {
	h.t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "pid_file: %s\n", filepath.Join(h.dir, "scheduler.pid"))
	b.WriteString("properties:\n")
	for _, id := range propertyIDs {
		fmt.Fprintf(&b, "  - id: %s\n    name: %s place\n    feed_url: %s/%s.ics\n    cleaner:\n      phone: \"+15550100\"\n", id, id, h.feedURL, id)
	}
	if err := os.WriteFile(h.configPath, []byte(b.String()), 0644); err != nil {
		h.t.Fatalf("failed to write config: %v", err)
	}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	root := h.cli.rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--config", h.configPath))
	err := root.Execute()
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	if err != nil {
		h.t.Fatalf("%v failed: %v\n%s", args, err, out)
	}
	return out
}

func TestSyncAndListCommands(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("sync")
	if !strings.Contains(out, "cabin: 2 created, 0 changed, 0 cancelled") {
		t.Errorf("unexpected sync output: %q", out)
	}

	out = h.mustRun("bookings")
	if strings.Count(out, "cabin") != 2 {
		t.Errorf("expected 2 bookings, got %q", out)
	}

	out = h.mustRun("tasks")
	if !strings.Contains(out, "[turnover]") {
		t.Errorf("expected a turnover task, got %q", out)
	}

	out = h.mustRun("messages")
	m := welcomeRe.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("expected a queued welcome, got %q", out)
	}
	if len(welcomeRe.FindAllString(out, -1)) != 2 {
		t.Errorf("expected 2 welcomes, got %q", out)
	}
	h.mustRun("messages", "--copied", m[1])
	out = h.mustRun("messages")
	if strings.Contains(out, m[0]) {
		t.Errorf("copied message still listed: %q", out)
	}
	if _, err := h.run("messages", "--copied", "9999"); err == nil {
		t.Error("expected error for unknown message")
	}
}

func TestSyncUnknownProperty(t *testing.T) {
	h := newHarness(t)
	if _, err := h.run("sync", "villa"); err == nil {
		t.Error("expected error for unknown property")
	}
}

func TestSyncJSON(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("sync", "cabin", "--json")
	if !strings.Contains(out, `"created": 2`) {
		t.Errorf("unexpected JSON output: %q", out)
	}
}

func TestEnrichCommand(t *testing.T) {
	h := newHarness(t)
	h.mustRun("sync")

	out := h.mustRun("enrich", "--property", "cabin",
		"--check-in", "2026-03-10", "--check-out", "2026-03-12",
		"--guest", "Ada Lovelace", "--code", "HMABC123")
	if !strings.Contains(out, "updated") {
		t.Errorf("unexpected enrich output: %q", out)
	}

	out = h.mustRun("enrich", "--property", "cabin", "--code", "HMABC123", "--payout", "$1,240.50", "--payout-date", "2026-03-11")
	if !strings.Contains(out, "linked to booking") {
		t.Errorf("expected payout to link, got %q", out)
	}

	out = h.mustRun("enrich", "--property", "cabin", "--code", "HMZZZ999", "--payout", "300")
	if !strings.Contains(out, "will link when the booking appears") {
		t.Errorf("expected unlinked payout, got %q", out)
	}

	if _, err := h.run("enrich", "--guest", "Nobody"); err == nil {
		t.Error("expected error without --property")
	}
	if _, err := h.run("enrich", "--property", "cabin", "--check-in", "2026-03-10"); err == nil {
		t.Error("expected error with only --check-in")
	}
}

func (h *harness) writeEmail(name, subject, body string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	raw := "From: Airbnb <automated@airbnb.com>\r\nSubject: " + subject + "\r\n" +
		"Date: Wed, 04 Mar 2026 10:00:00 +0000\r\n\r\n" + body
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		h.t.Fatalf("failed to write email: %v", err)
	}
	return path
}

func TestEnrichFromEmail(t *testing.T) {
	h := newHarness(t)
	h.mustRun("sync")

	confirm := h.writeEmail("confirm.eml", "Reservation confirmed - Ada Lovelace",
		"Guest: Ada Lovelace\r\nConfirmation code: HMABC12345\r\nCheck-in: March 10, 2026\r\nCheck-out: March 12, 2026\r\n")
	out := h.mustRun("enrich", "--from-email", confirm)
	if !strings.Contains(out, "updated from email") {
		t.Errorf("unexpected enrich output: %q", out)
	}

	payout := h.writeEmail("payout.eml", "Your payout of $320.00 has been sent",
		"Your payout of $320.00 for reservation HMABC12345 has been sent.\r\n")
	out = h.mustRun("enrich", "--from-email", payout)
	if !strings.Contains(out, "linked to booking") {
		t.Errorf("expected payout to link, got %q", out)
	}

	out = h.mustRun("bookings", "--property", "cabin")
	if !strings.Contains(out, "Ada Lovelace") {
		t.Errorf("expected guest name in %q", out)
	}

	stray := h.writeEmail("stray.eml", "Booking confirmed",
		"Guest: Grace Hopper\r\nCheck-in: April 1, 2026\r\nCheck-out: April 3, 2026\r\n")
	if _, err := h.run("enrich", "--from-email", stray); err == nil {
		t.Error("expected an error for an email matching no booking")
	}
	if _, err := h.run("enrich", "--from-email", confirm, "--guest", "Someone"); err == nil {
		t.Error("expected --from-email and --guest to conflict")
	}
	if _, err := h.run("enrich", "--from-email", filepath.Join(h.dir, "missing.eml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestMigrateNeedsDatabase(t *testing.T) {
	h := newHarness(t)
	if _, err := h.run("migrate"); err == nil {
		t.Error("expected migrate to fail without a database url")
	}
}

func TestSchedulerListAndRun(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("scheduler", "list")
	for _, job := range []string{"poll:cabin", app.JobMessages, app.JobCleaningNotify, app.JobMorningReminders} {
		if !strings.Contains(out, job) {
			t.Errorf("expected job %s in %q", job, out)
		}
	}

	out = h.mustRun("scheduler", "run", "poll:cabin")
	if !strings.Contains(out, "Job poll:cabin completed") {
		t.Errorf("unexpected run output: %q", out)
	}
	if _, err := h.run("scheduler", "run", "nope"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestSchedulerStatusNotRunning(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("scheduler", "status")
	if !strings.Contains(out, "not running") {
		t.Errorf("unexpected status output: %q", out)
	}
	if _, err := h.run("scheduler", "stop"); err == nil {
		t.Error("expected stop to fail when not running")
	}
}

func TestDaemonReloadAndShutdown(t *testing.T) {
	h := newHarness(t)
	cfg, err := config.Load(h.configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	h.cli.configPath = h.configPath

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	d, err := h.cli.startDaemon(cmd, cfg)
	if err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	pid, err := readPID(cfg.PIDFile)
	if err != nil || pid != os.Getpid() {
		t.Errorf("expected PID file with %d, got %d (%v)", os.Getpid(), pid, err)
	}
	if len(d.sched.JobNames()) != 4 {
		t.Errorf("expected 4 jobs, got %v", d.sched.JobNames())
	}

	h.writeConfig("cabin", "loft")
	if err := d.reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(d.sched.JobNames()) != 5 {
		t.Errorf("expected 5 jobs after reload, got %v", d.sched.JobNames())
	}

	if err := os.WriteFile(h.configPath, []byte("sync:\n  interval: -1s\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := d.reload(); err == nil {
		t.Error("expected reload to reject an invalid config")
	}
	if len(d.sched.JobNames()) != 5 {
		t.Errorf("failed reload changed jobs: %v", d.sched.JobNames())
	}

	sigs := make(chan os.Signal, 1)
	sigs <- syscall.SIGTERM
	if err := d.wait(context.Background(), sigs); err != nil {
		t.Errorf("wait returned %v", err)
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Error("expected PID file to be removed on shutdown")
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "scheduler.pid")
	if err := writePID(path, 4242); err != nil {
		t.Fatalf("failed to write PID: %v", err)
	}
	pid, err := readPID(path)
	if err != nil {
		t.Fatalf("failed to read PID: %v", err)
	}
	if pid != 4242 {
		t.Errorf("expected 4242, got %d", pid)
	}
	if err := removePID(path); err != nil {
		t.Fatalf("failed to remove PID: %v", err)
	}
	if _, err := readPID(path); err == nil {
		t.Error("expected error reading removed PID file")
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("expected own process to be detected as running")
	}
	if isProcessRunning(999999999) {
		t.Error("expected invalid PID to be detected as not running")
	}
}

func TestSignalDaemonStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.pid")
	if err := writePID(path, 999999999); err != nil {
		t.Fatal(err)
	}
	if _, err := signalDaemon(path, syscall.SIGHUP); err == nil {
		t.Error("expected error for stale PID")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected stale PID file to be removed")
	}
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644); err != nil {
		t.Fatal(err)
	}
	lines, err := tailFile(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "two" || lines[1] != "three" {
		t.Errorf("unexpected tail: %v", lines)
	}
	lines, _ = tailFile(path, 10)
	if len(lines) != 3 {
		t.Errorf("expected all 3 lines, got %v", lines)
	}
}

func TestParseCents(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"840", 84000, true},
		{"840.5", 84050, true},
		{"$1,240.00", 124000, true},
		{"0.07", 7, true},
		{"-5", 0, false},
		{"lots", 0, false},
	}
	for _, tt := range tests {
		got, err := parseCents(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parseCents(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseCents(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseStay(t *testing.T) {
	r, err := parseStay("", "")
	if err != nil || !r.IsZero() {
		t.Errorf("expected zero range, got %v (%v)", r, err)
	}
	if _, err := parseStay("2026-03-12", "2026-03-10"); err == nil {
		t.Error("expected error for inverted stay")
	}
	r, err = parseStay("2026-03-10", "2026-03-12")
	if err != nil {
		t.Fatal(err)
	}
	if r.Nights() != 2 {
		t.Errorf("expected 2 nights, got %d", r.Nights())
	}
}
