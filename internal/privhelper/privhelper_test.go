package privhelper

import (
	"context"
	"reflect"
	"testing"
)

// Kill and GetOwnership run the helper immediately and return only an
// error, so the only method whose invocation can be inspected without
// actually executing a process is RunBuilder.
func TestRunBuilderBuildsArgvAndEnv(t *testing.T) {
	c := &Client{Path: "/sbin/casbuild-privhelper"}
	env := []string{"PATH=/bin", "HOME=/build"}
	cmd := c.RunBuilder(context.Background(), 30001, 30000, "/cas/build/abc", "/bin/sh", []string{"-c", "build.sh"}, env)

	wantArgs := []string{
		"/sbin/casbuild-privhelper",
		"run-builder",
		"30001",
		"30000",
		"/cas/build/abc",
		"/bin/sh",
		"-c",
		"build.sh",
	}
	if !reflect.DeepEqual(cmd.Args, wantArgs) {
		t.Fatalf("Args = %v, want %v", cmd.Args, wantArgs)
	}
	if cmd.Path != "/sbin/casbuild-privhelper" {
		t.Fatalf("Path = %q, want helper path", cmd.Path)
	}
	if !reflect.DeepEqual(cmd.Env, env) {
		t.Fatalf("Env = %v, want %v", cmd.Env, env)
	}
}

func TestRunBuilderPassesThroughEmptyArgs(t *testing.T) {
	c := &Client{Path: "/sbin/casbuild-privhelper"}
	cmd := c.RunBuilder(context.Background(), 1, 1, "/cas/build/abc", "/bin/true", nil, nil)

	wantArgs := []string{"/sbin/casbuild-privhelper", "run-builder", "1", "1", "/cas/build/abc", "/bin/true"}
	if !reflect.DeepEqual(cmd.Args, wantArgs) {
		t.Fatalf("Args = %v, want %v", cmd.Args, wantArgs)
	}
}
