package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestExecCommanderShell(t *testing.T) {
	c := NewExecCommander(zerolog.Nop())

	res, err := c.Run(context.Background(), Command{
		Path: "echo $GREETING; echo oops >&2; exit 3",
		Env:  map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Expected stdout hello, got %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("Expected stderr oops, got %q", res.Stderr)
	}
	if res.Success() || res.Err() == nil {
		t.Error("Expected non-zero exit to be reported")
	}
}

func TestExecCommanderProgramAndDir(t *testing.T) {
	dir := t.TempDir()
	c := NewExecCommander(zerolog.Nop())

	res, err := c.Run(context.Background(), Command{Path: "pwd", Args: []string{}, Dir: dir})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestExecCommanderTimeout(t *testing.T) {
	c := NewExecCommander(zerolog.Nop())
	_, err := c.Run(context.Background(), Command{Path: "sleep 5", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected timeout error, got %v", err)
	}
}

func TestExecCommanderCallerDeadline(t *testing.T) {
	c := NewExecCommander(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Run(ctx, Command{Path: "sleep 5"})
	if err == nil {
		t.Fatal("Expected error when the caller's deadline passes")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("Caller deadline must not be reported as a command timeout: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Run(ctx, Command{Path: "sleep 5", Timeout: time.Minute})
	if errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected caller deadline error, got %v", err)
	}
}

func TestExecCommanderMissingProgram(t *testing.T) {
	c := NewExecCommander(zerolog.Nop())
	if _, err := c.Run(context.Background(), Program("/nonexistent/galley-test-binary")); err == nil {
		t.Error("Expected error for missing program")
	}
	if _, err := c.Run(context.Background(), Command{}); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestOutput(t *testing.T) {
	c := NewExecCommander(zerolog.Nop())
	out, err := Output(context.Background(), c, Shell("printf ' value \\n'"))
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if out != "value" {
		t.Errorf("Expected trimmed output, got %q", out)
	}
	if _, err := Output(context.Background(), c, Shell("false")); err == nil {
		t.Error("Expected error on non-zero exit")
	}
}

func TestWriteFileAtomicAndStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "motd")
	if err := WriteFileAtomic(path, []byte("hello\n"), 0o640); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	st, err := Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !st.Exists || st.IsDir {
		t.Fatalf("Expected regular file, got %+v", st)
	}
	if st.Mode != 0o640 {
		t.Errorf("Expected mode 0640, got %o", st.Mode)
	}
	if st.Checksum != Checksum([]byte("hello\n")) {
		t.Errorf("Checksum mismatch: %s", st.Checksum)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected temporary file to be cleaned up, got %d entries", len(entries))
	}

	missing, err := Stat(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Stat of missing path failed: %v", err)
	}
	if missing.Exists {
		t.Error("Expected missing path to not exist")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    os.FileMode
		wantErr bool
	}{
		{"0644", 0o644, false},
		{"755", 0o755, false},
		{"4755", 0o755 | os.ModeSetuid, false},
		{"abc", 0, true},
		{"99999", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseMode(%q) = %o, want %o", tt.in, got, tt.want)
		}
	}
}

func TestOwnershipResolveCurrentUser(t *testing.T) {
	uid := os.Getuid()
	o := Ownership{Owner: strconv.Itoa(uid)}
	gotUID, gotGID, err := o.Resolve()
	if err != nil {
		t.Skipf("Cannot resolve current user: %v", err)
	}
	if gotUID != uid || gotGID != -1 {
		t.Errorf("Expected (%d, -1), got (%d, %d)", uid, gotUID, gotGID)
	}

	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := o.Matches(st)
	if err != nil || !ok {
		t.Errorf("Expected ownership to match, got %v %v", ok, err)
	}
}
