package drv

import (
	"fmt"

	"github.com/casbuild/casbuild/internal/store"
	"github.com/casbuild/casbuild/pb"
	"golang.org/x/xerrors"
)

// FileStore reads derivations from their on-disk textproto encoding (pb
// package).
type FileStore struct {
	// PathOf resolves a StorePath to its location on the local filesystem.
	PathOf func(store.StorePath) string
}

func (s *FileStore) DerivationFromPath(path store.StorePath) (*store.Derivation, error) {
	if !path.IsDerivation() {
		return nil, fmt.Errorf("%s is not a derivation path", path)
	}
	wire, err := pb.ReadDerivationFile(s.PathOf(path))
	if err != nil {
		return nil, xerrors.Errorf("reading derivation %s: %w", path, err)
	}
	return fromWire(path, wire)
}

func fromWire(path store.StorePath, w *pb.Derivation) (*store.Derivation, error) {
	d := &store.Derivation{
		Path:              path,
		Outputs:           map[string]store.Output{},
		Builder:           w.GetBuilder(),
		Args:              append([]string(nil), w.GetArg()...),
		Env:               map[string]string{},
		Platform:          w.GetPlatform(),
		ImpureEnvVars:     append([]string(nil), w.GetImpureEnvVars()...),
		AllowedReferences: nil,
	}
	for _, s := range w.GetInputSrc() {
		d.InputSrcs = append(d.InputSrcs, store.ParseStorePath(s))
	}
	for _, r := range w.GetAllowedReferences() {
		d.AllowedReferences = append(d.AllowedReferences, store.ParseStorePath(r))
	}
	for _, o := range w.GetOutput() {
		d.Outputs[o.GetName()] = store.Output{
			Name:             o.GetName(),
			Path:             store.ParseStorePath(o.GetPath()),
			ExpectedHash:     o.GetExpectedHash(),
			ExpectedHashAlgo: o.GetExpectedHashAlgo(),
			Recursive:        o.GetRecursive(),
		}
	}
	for _, e := range w.GetEnv() {
		d.Env[e.Key] = e.Value
	}
	d.InputDrvs = map[store.StorePath][]string{}
	for _, in := range w.GetInputDrv() {
		d.InputDrvs[store.ParseStorePath(in.GetPath())] = append([]string(nil), in.GetOutputs()...)
	}

	// Invariant: for every input-derivation reference, the
	// referenced output name must exist in that derivation. We cannot
	// check across files here without recursing (CheckInputDrvOutputs does
	// that); we can at least reject an entry that is obviously malformed
	// (an empty path, or a path that names no outputs).
	for p, outs := range d.InputDrvs {
		if !p.Valid() {
			return nil, fmt.Errorf("derivation %s: empty input-derivation path", path)
		}
		if len(outs) == 0 {
			return nil, fmt.Errorf("derivation %s: input-derivation %s names no outputs", path, p)
		}
	}

	return d, nil
}

// CheckInputDrvOutputs enforces the full cross-file invariant: every
// (inputDrv, outputName) pair in d.InputDrvs must name an output that
// actually exists in that input derivation.
func CheckInputDrvOutputs(s Store, d *store.Derivation) error {
	for inputDrv, outs := range d.InputDrvs {
		in, err := s.DerivationFromPath(inputDrv)
		if err != nil {
			return xerrors.Errorf("resolving input derivation %s: %w", inputDrv, err)
		}
		for _, name := range outs {
			if _, ok := in.Outputs[name]; !ok {
				return fmt.Errorf("derivation %s: input-derivation %s has no output %q", d.Path, inputDrv, name)
			}
		}
	}
	return nil
}
