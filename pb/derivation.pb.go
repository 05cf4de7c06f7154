// Package pb holds the on-disk message types for derivations, in the same
// textproto-over-protobuf-struct-tags style distr1/distri uses for its
// build.textproto/meta.textproto files: hand-maintained structs carrying
// protobuf struct tags, read and written with
// github.com/golang/protobuf/proto's text format.
package pb

import "fmt"

// Output is the wire form of store.Output.
type Output struct {
	Name             string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Path             string `protobuf:"bytes,2,opt,name=path,proto3" json:"path,omitempty"`
	ExpectedHash     string `protobuf:"bytes,3,opt,name=expected_hash,json=expectedHash,proto3" json:"expected_hash,omitempty"`
	ExpectedHashAlgo string `protobuf:"bytes,4,opt,name=expected_hash_algo,json=expectedHashAlgo,proto3" json:"expected_hash_algo,omitempty"`
	Recursive        bool   `protobuf:"varint,5,opt,name=recursive,proto3" json:"recursive,omitempty"`
}

func (m *Output) Reset()         { *m = Output{} }
func (m *Output) String() string { return fmt.Sprintf("%+v", *m) }
func (*Output) ProtoMessage()    {}

func (m *Output) GetName() string {
	if m != nil {
		return m.Name
	}
	return ""
}
func (m *Output) GetPath() string {
	if m != nil {
		return m.Path
	}
	return ""
}
func (m *Output) GetExpectedHash() string {
	if m != nil {
		return m.ExpectedHash
	}
	return ""
}
func (m *Output) GetExpectedHashAlgo() string {
	if m != nil {
		return m.ExpectedHashAlgo
	}
	return ""
}
func (m *Output) GetRecursive() bool {
	if m != nil {
		return m.Recursive
	}
	return false
}

// InputDrv is the wire form of one InputDrvs entry.
type InputDrv struct {
	Path    string   `protobuf:"bytes,1,opt,name=path,proto3" json:"path,omitempty"`
	Outputs []string `protobuf:"bytes,2,rep,name=outputs,proto3" json:"outputs,omitempty"`
}

func (m *InputDrv) Reset()         { *m = InputDrv{} }
func (m *InputDrv) String() string { return fmt.Sprintf("%+v", *m) }
func (*InputDrv) ProtoMessage()    {}

func (m *InputDrv) GetPath() string {
	if m != nil {
		return m.Path
	}
	return ""
}
func (m *InputDrv) GetOutputs() []string {
	if m != nil {
		return m.Outputs
	}
	return nil
}

// EnvVar is a single builder-environment entry. Protobuf maps are awkward
// to hand-maintain without codegen, so, like distr1/distri's own
// build.textproto messages, the environment is a repeated field of
// key/value pairs rather than a native map.
type EnvVar struct {
	Key   string `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Value string `protobuf:"bytes,2,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *EnvVar) Reset()         { *m = EnvVar{} }
func (m *EnvVar) String() string { return fmt.Sprintf("%+v", *m) }
func (*EnvVar) ProtoMessage()    {}

// Derivation is the on-disk encoding of store.Derivation.
type Derivation struct {
	Output            []*Output   `protobuf:"bytes,1,rep,name=output,proto3" json:"output,omitempty"`
	InputSrc          []string    `protobuf:"bytes,2,rep,name=input_src,json=inputSrc,proto3" json:"input_src,omitempty"`
	InputDrv          []*InputDrv `protobuf:"bytes,3,rep,name=input_drv,json=inputDrv,proto3" json:"input_drv,omitempty"`
	Builder           string      `protobuf:"bytes,4,opt,name=builder,proto3" json:"builder,omitempty"`
	Arg               []string    `protobuf:"bytes,5,rep,name=arg,proto3" json:"arg,omitempty"`
	Env               []*EnvVar   `protobuf:"bytes,6,rep,name=env,proto3" json:"env,omitempty"`
	Platform          string      `protobuf:"bytes,7,opt,name=platform,proto3" json:"platform,omitempty"`
	ImpureEnvVars     []string    `protobuf:"bytes,8,rep,name=impure_env_vars,json=impureEnvVars,proto3" json:"impure_env_vars,omitempty"`
	AllowedReferences []string    `protobuf:"bytes,9,rep,name=allowed_references,json=allowedReferences,proto3" json:"allowed_references,omitempty"`
}

func (m *Derivation) Reset()         { *m = Derivation{} }
func (m *Derivation) String() string { return fmt.Sprintf("%+v", *m) }
func (*Derivation) ProtoMessage()    {}

func (m *Derivation) GetOutput() []*Output {
	if m != nil {
		return m.Output
	}
	return nil
}
func (m *Derivation) GetInputSrc() []string {
	if m != nil {
		return m.InputSrc
	}
	return nil
}
func (m *Derivation) GetInputDrv() []*InputDrv {
	if m != nil {
		return m.InputDrv
	}
	return nil
}
func (m *Derivation) GetBuilder() string {
	if m != nil {
		return m.Builder
	}
	return ""
}
func (m *Derivation) GetArg() []string {
	if m != nil {
		return m.Arg
	}
	return nil
}
func (m *Derivation) GetEnv() []*EnvVar {
	if m != nil {
		return m.Env
	}
	return nil
}
func (m *Derivation) GetPlatform() string {
	if m != nil {
		return m.Platform
	}
	return ""
}
func (m *Derivation) GetImpureEnvVars() []string {
	if m != nil {
		return m.ImpureEnvVars
	}
	return nil
}
func (m *Derivation) GetAllowedReferences() []string {
	if m != nil {
		return m.AllowedReferences
	}
	return nil
}
