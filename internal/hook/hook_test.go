package hook

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestReplyScannerFeedHandlesFragmentedLines(t *testing.T) {
	var s ReplyScanner
	if reply, ok := s.Feed([]byte("some chatter\nmore chatter\n# acc")); ok {
		t.Fatalf("got premature reply %q", reply)
	}
	reply, ok := s.Feed([]byte("ept\n"))
	if !ok {
		t.Fatal("expected a reply after the line completes")
	}
	if reply != ReplyAccept {
		t.Fatalf("reply = %q, want %q", reply, ReplyAccept)
	}
}

func TestReplyScannerIgnoresNonProtocolLines(t *testing.T) {
	var s ReplyScanner
	if _, ok := s.Feed([]byte("building...\nstill building\n")); ok {
		t.Fatal("expected no reply from ordinary log chatter")
	}
	reply, ok := s.Feed([]byte("# decline\n"))
	if !ok || reply != ReplyDecline {
		t.Fatalf("reply = %q, ok = %v, want decline, true", reply, ok)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		want ExitKind
	}{
		{0, ExitOK},
		{100, ExitRemoteBuildFailed},
		{1, ExitHookError},
	}
	for _, c := range cases {
		if got := Classify(c.code); got != c.want {
			t.Errorf("Classify(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestWriteAcceptFiles(t *testing.T) {
	dir := t.TempDir()
	var stdin bytes.Buffer
	inputsFile, outputsFile, validityFile, err := WriteAcceptFiles(
		dir, []string{"/store/a", "/store/b"}, []string{"/store/c"}, "validity-blob", &stdin)
	if err != nil {
		t.Fatalf("WriteAcceptFiles: %v", err)
	}
	for _, want := range []string{
		filepath.Join(dir, "inputs"),
		filepath.Join(dir, "outputs"),
		filepath.Join(dir, "validity"),
	} {
		if _, err := os.Stat(want); err != nil {
			t.Errorf("expected %s to exist: %v", want, err)
		}
	}
	if inputsFile != filepath.Join(dir, "inputs") {
		t.Errorf("inputsFile = %s", inputsFile)
	}
	_ = outputsFile
	_ = validityFile
	if stdin.String() != "okay\n" {
		t.Fatalf("stdin = %q, want %q", stdin.String(), "okay\n")
	}
	got, err := os.ReadFile(filepath.Join(dir, "inputs"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "/store/a\n/store/b\n" {
		t.Fatalf("inputs file = %q", got)
	}
}
