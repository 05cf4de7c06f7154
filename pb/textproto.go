package pb

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/golang/protobuf/proto"
)

var bufPool = sync.Pool{
	New: func() interface{} { return &bytes.Buffer{} },
}

// ReadDerivationFile parses a .drv.textproto file, exactly the way
// distr1/distri's pb.ReadBuildFile reads build.textproto.
func ReadDerivationFile(path string) (*Derivation, error) {
	var d Derivation
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer bufPool.Put(b)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(b, f); err != nil {
		return nil, err
	}
	if err := proto.UnmarshalText(b.String(), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// WriteDerivationFile serialises d as textproto to path, the inverse of
// ReadDerivationFile.
func WriteDerivationFile(path string, d *Derivation) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return proto.MarshalText(f, d)
}
