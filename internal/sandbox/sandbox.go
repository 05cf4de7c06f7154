// Package sandbox builds the isolated environment a local build runs in.
// It follows distr1/distri's reexec idiom (internal/build/build.go): the
// outer process starts a copy of itself with CLONE_NEWNS|CLONE_NEWUSER on
// the child so the new mount and user namespaces exist from the moment
// the child is forked, then the child (running Init, chosen by the
// caller's hidden subcommand) performs the actual mounts, chroot, and
// privilege drop before exec-ing the real builder.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// perLinux32 is PER_LINUX32 from <sys/personality.h>; golang.org/x/sys/unix
// does not export the persona constants, only the syscall wrapper.
const perLinux32 = 0x0008

// defaultBindMounts is the default host-directory allowlist.
var defaultBindMounts = []string{"/dev", "/dev/pts", "/proc"}

// InputPath is one member of the input closure to materialise inside the
// chroot.
type InputPath struct {
	HostPath string
	IsDir    bool
}

// Spec fully describes one sandboxed build and is JSON-serialisable so it
// can cross the reexec boundary as a file path argument.
type Spec struct {
	ChrootDir    string
	StoreDir     string
	TmpDir       string
	BindMounts   []string
	InputClosure []InputPath

	BuildUID  int
	BuildGID  int
	BuildName string

	Builder string
	Args    []string
	Env     []string

	Is32Bit bool
}

// Command builds the exec.Cmd for the outer process: it re-execs selfExe
// with the given hidden-subcommand arguments plus a path to spec's JSON
// encoding, inside fresh mount and user namespaces. initArgs is typically
// something like []string{"__sandbox-init"}; the caller's main() must
// dispatch that verb to Init with the trailing path argument.
func Command(selfExe string, initArgs []string, spec Spec) (*exec.Cmd, string, error) {
	f, err := os.CreateTemp(spec.TmpDir, "sandbox-spec-*.json")
	if err != nil {
		return nil, "", xerrors.Errorf("sandbox: create spec file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(spec); err != nil {
		return nil, "", xerrors.Errorf("sandbox: encode spec: %w", err)
	}

	cmd := exec.Command(selfExe, append(append([]string(nil), initArgs...), f.Name())...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	return cmd, f.Name(), nil
}

// LoadSpec reads back a Spec written by Command.
func LoadSpec(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var s Spec
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Init runs inside the namespaced child (already possessing its own mount
// and user namespace, courtesy of Command's Cloneflags) and performs the
// mounts, chroot, and privilege drop, ending in syscall.Exec of the
// builder so the process the Worker tracks (by pid) becomes the builder
// itself. It never returns on success.
func Init(spec *Spec) error {
	if err := os.MkdirAll(spec.ChrootDir, 0755); err != nil {
		return xerrors.Errorf("sandbox: mkdir chroot: %w", err)
	}

	binds := spec.BindMounts
	if len(binds) == 0 {
		binds = defaultBindMounts
	}
	for _, src := range binds {
		dst := filepath.Join(spec.ChrootDir, src)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return xerrors.Errorf("sandbox: mkdir %s: %w", dst, err)
		}
		if err := bindMount(src, dst, false); err != nil {
			return xerrors.Errorf("sandbox: bind %s: %w", src, err)
		}
	}

	tmpDst := filepath.Join(spec.ChrootDir, spec.TmpDir)
	if err := os.MkdirAll(tmpDst, 0755); err != nil {
		return xerrors.Errorf("sandbox: mkdir tmp: %w", err)
	}
	if err := bindMount(spec.TmpDir, tmpDst, false); err != nil {
		return xerrors.Errorf("sandbox: bind tmp: %w", err)
	}

	if err := materialiseClosure(spec); err != nil {
		return xerrors.Errorf("sandbox: materialise closure: %w", err)
	}

	if err := writePasswd(spec); err != nil {
		return xerrors.Errorf("sandbox: write passwd: %w", err)
	}

	if err := syscall.Chroot(spec.ChrootDir); err != nil {
		return xerrors.Errorf("sandbox: chroot: %w", err)
	}
	if err := os.Chdir(spec.TmpDir); err != nil {
		return xerrors.Errorf("sandbox: chdir: %w", err)
	}

	if spec.Is32Bit {
		if _, err := unix.Personality(perLinux32); err != nil {
			return xerrors.Errorf("sandbox: personality: %w", err)
		}
	}

	if err := syscall.Setgroups(nil); err != nil {
		return xerrors.Errorf("sandbox: setgroups: %w", err)
	}
	if err := syscall.Setresgid(spec.BuildGID, spec.BuildGID, spec.BuildGID); err != nil {
		return xerrors.Errorf("sandbox: setgid: %w", err)
	}
	if err := syscall.Setresuid(spec.BuildUID, spec.BuildUID, spec.BuildUID); err != nil {
		return xerrors.Errorf("sandbox: setuid: %w", err)
	}
	if uid := syscall.Getuid(); uid != spec.BuildUID {
		return fmt.Errorf("sandbox: setuid did not stick: uid=%d want=%d", uid, spec.BuildUID)
	}

	builderPath := spec.Builder
	if !filepath.IsAbs(builderPath) {
		if resolved, err := exec.LookPath(builderPath); err == nil {
			builderPath = resolved
		}
	}
	argv := append([]string{spec.Builder}, spec.Args...)
	return syscall.Exec(builderPath, argv, spec.Env)
}

func bindMount(src, dst string, readOnly bool) error {
	flags := uintptr(syscall.MS_BIND)
	if err := syscall.Mount(src, dst, "", flags, ""); err != nil {
		return err
	}
	if readOnly {
		flags |= syscall.MS_BIND | syscall.MS_REMOUNT | syscall.MS_RDONLY
		if err := syscall.Mount(src, dst, "", flags, ""); err != nil {
			return err
		}
	}
	return nil
}

// materialiseClosure implements step 3: directories are bind-mounted
// read-only, non-directories are hard-linked, falling back to a copy when
// the hard link fails for any reason, so undeclared paths stay
// invisible inside the chroot's store mirror. Each member targets a
// distinct destination path, so the group fans the work out the same way
// initrd.go's squashfs assembly parallelises independent per-package work.
func materialiseClosure(spec *Spec) error {
	var g errgroup.Group
	for _, in := range spec.InputClosure {
		in := in
		g.Go(func() error { return materialiseOne(spec.ChrootDir, in) })
	}
	return g.Wait()
}

func materialiseOne(chrootDir string, in InputPath) error {
	rel := strings.TrimPrefix(in.HostPath, "/")
	dst := filepath.Join(chrootDir, rel)
	if in.IsDir {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return err
		}
		return bindMount(in.HostPath, dst, true)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Link(in.HostPath, dst); err != nil {
		return copyFile(in.HostPath, dst)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return nil
}

// writePasswd implements step 4: a minimal /etc/passwd with root, the
// leased build user and nobody.
func writePasswd(spec *Spec) error {
	etc := filepath.Join(spec.ChrootDir, "etc")
	if err := os.MkdirAll(etc, 0755); err != nil {
		return err
	}
	content := fmt.Sprintf(
		"root:x:0:0:root:/build:/noshell\n%s:x:%d:%d:build user:/build:/noshell\nnobody:x:65534:65534:nobody:/:/noshell\n",
		spec.BuildName, spec.BuildUID, spec.BuildGID,
	)
	return os.WriteFile(filepath.Join(etc, "passwd"), []byte(content), 0644)
}
