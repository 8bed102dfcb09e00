package daemon

import (
	"io"
	"sort"

	"github.com/nixcask/nix-daemon-proxy/pkg/wire"
)

// WriteStrings writes a list of strings as count + entries.
func WriteStrings(w io.Writer, ss []string) error {
	if err := wire.WriteUint64(w, uint64(len(ss))); err != nil {
		return err
	}

	for _, s := range ss {
		if err := wire.WriteString(w, s); err != nil {
			return err
		}
	}

	return nil
}

// ReadStrings reads a list of strings.
func ReadStrings(r io.Reader, maxBytes uint64) ([]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string list count", Err: err}
	}

	ss := make([]string, count)
	for i := uint64(0); i < count; i++ {
		s, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string list entry", Err: err}
		}

		ss[i] = s
	}

	return ss, nil
}

// WriteStringMap writes a map as count + sorted key/value pairs.
func WriteStringMap(w io.Writer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	if err := wire.WriteUint64(w, uint64(len(keys))); err != nil {
		return err
	}

	for _, k := range keys {
		if err := wire.WriteString(w, k); err != nil {
			return err
		}

		if err := wire.WriteString(w, m[k]); err != nil {
			return err
		}
	}

	return nil
}

// ReadStringMap reads a map of string key/value pairs.
func ReadStringMap(r io.Reader, maxBytes uint64) (map[string]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string map count", Err: err}
	}

	m := make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		key, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map key", Err: err}
		}

		val, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map value", Err: err}
		}

		m[key] = val
	}

	return m, nil
}

// ReadPathInfo reads a full PathInfo from the wire (UnkeyedValidPathInfo format).
// storePath is provided separately (already known by the caller).
func ReadPathInfo(r io.Reader, storePath string) (*PathInfo, error) {
	deriver, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info deriver", Err: err}
	}

	narHash, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info narHash", Err: err}
	}

	references, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info references", Err: err}
	}

	registrationTime, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info registrationTime", Err: err}
	}

	narSize, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info narSize", Err: err}
	}

	ultimate, err := wire.ReadBool(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info ultimate", Err: err}
	}

	sigs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info sigs", Err: err}
	}

	ca, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info contentAddress", Err: err}
	}

	return &PathInfo{
		StorePath:        storePath,
		Deriver:          deriver,
		NarHash:          narHash,
		References:       references,
		RegistrationTime: registrationTime,
		NarSize:          narSize,
		Ultimate:         ultimate,
		Sigs:             sigs,
		CA:               ca,
	}, nil
}

// WritePathInfo writes a PathInfo in keyed ValidPathInfo wire format, with
// the store path as its first field. Used where the path isn't otherwise
// part of the message, such as AddToStoreNar's request and each entry of
// AddMultipleToStore.
func WritePathInfo(w io.Writer, info *PathInfo) error {
	if err := wire.WriteString(w, info.StorePath); err != nil {
		return err
	}

	return WriteUnkeyedPathInfo(w, info)
}

// WriteUnkeyedPathInfo writes a PathInfo in UnkeyedValidPathInfo wire
// format: every field ReadPathInfo reads, with no store path prefix. Used
// where the store path is already part of the message on its own, such as
// QueryPathInfo's reply.
func WriteUnkeyedPathInfo(w io.Writer, info *PathInfo) error {
	if err := wire.WriteString(w, info.Deriver); err != nil {
		return err
	}

	if err := wire.WriteString(w, info.NarHash); err != nil {
		return err
	}

	if err := WriteStrings(w, info.References); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.RegistrationTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.NarSize); err != nil {
		return err
	}

	if err := wire.WriteBool(w, info.Ultimate); err != nil {
		return err
	}

	if err := WriteStrings(w, info.Sigs); err != nil {
		return err
	}

	return wire.WriteString(w, info.CA)
}

// ReadDerivation reads a Derivation from the wire: ordered output entries,
// input sources, platform, builder, args, and ordered environment pairs.
func ReadDerivation(r io.Reader, maxBytes uint64) (*Derivation, error) {
	nrOutputs, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation outputs count", Err: err}
	}

	outputs := make([]DerivationOutputEntry, nrOutputs)
	for i := range outputs {
		name, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output name", Err: err}
		}

		storePath, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output path", Err: err}
		}

		methodOrHash, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output methodOrHash", Err: err}
		}

		hashOrImpure, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output hashOrImpure", Err: err}
		}

		outputs[i] = DerivationOutputEntry{
			Name: name,
			Output: DerivationOutput{
				StorePath:    storePath,
				MethodOrHash: methodOrHash,
				HashOrImpure: hashOrImpure,
			},
		}
	}

	inputSources, err := ReadStrings(r, maxBytes)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation inputSources", Err: err}
	}

	platform, err := wire.ReadString(r, maxBytes)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation platform", Err: err}
	}

	builder, err := wire.ReadString(r, maxBytes)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation builder", Err: err}
	}

	args, err := ReadStrings(r, maxBytes)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation args", Err: err}
	}

	nrEnv, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation env count", Err: err}
	}

	env := make([]KeyValue, nrEnv)
	for i := range env {
		key, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation env key", Err: err}
		}

		val, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation env value", Err: err}
		}

		env[i] = KeyValue{Key: key, Value: val}
	}

	return &Derivation{
		Outputs:      outputs,
		InputSources: inputSources,
		Platform:     platform,
		Builder:      builder,
		Args:         args,
		Env:          env,
	}, nil
}

// WriteDerivation writes a Derivation to the wire, in the same ordered
// layout ReadDerivation expects.
func WriteDerivation(w io.Writer, drv *Derivation) error {
	if err := wire.WriteUint64(w, uint64(len(drv.Outputs))); err != nil {
		return err
	}

	for _, out := range drv.Outputs {
		if err := wire.WriteString(w, out.Name); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Output.StorePath); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Output.MethodOrHash); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Output.HashOrImpure); err != nil {
			return err
		}
	}

	if err := WriteStrings(w, drv.InputSources); err != nil {
		return err
	}

	if err := wire.WriteString(w, drv.Platform); err != nil {
		return err
	}

	if err := wire.WriteString(w, drv.Builder); err != nil {
		return err
	}

	if err := WriteStrings(w, drv.Args); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, uint64(len(drv.Env))); err != nil {
		return err
	}

	for _, kv := range drv.Env {
		if err := wire.WriteString(w, kv.Key); err != nil {
			return err
		}

		if err := wire.WriteString(w, kv.Value); err != nil {
			return err
		}
	}

	return nil
}

// WriteBuildResult writes a BuildResult to the wire, the mirror of
// ReadBuildResult. BuiltOutputs is written sorted by output name for
// determinism, matching WriteStringMap's convention elsewhere in this
// package.
func WriteBuildResult(w io.Writer, result *BuildResult) error {
	if err := wire.WriteUint64(w, uint64(result.Status)); err != nil {
		return err
	}

	if err := wire.WriteString(w, result.ErrorMsg); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, result.TimesBuilt); err != nil {
		return err
	}

	if err := wire.WriteBool(w, result.IsNonDeterministic); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, result.StartTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, result.StopTime); err != nil {
		return err
	}

	names := make([]string, 0, len(result.BuiltOutputs))
	for name := range result.BuiltOutputs {
		names = append(names, name)
	}

	sort.Strings(names)

	if err := wire.WriteUint64(w, uint64(len(names))); err != nil {
		return err
	}

	for _, name := range names {
		if err := wire.WriteString(w, name); err != nil {
			return err
		}

		if err := wire.WriteString(w, result.BuiltOutputs[name].ID); err != nil {
			return err
		}
	}

	return nil
}

// ReadBuildResult reads a BuildResult from the wire.
func ReadBuildResult(r io.Reader) (*BuildResult, error) {
	status, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result status", Err: err}
	}

	errorMsg, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result errorMsg", Err: err}
	}

	timesBuilt, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result timesBuilt", Err: err}
	}

	isNonDeterministic, err := wire.ReadBool(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result isNonDeterministic", Err: err}
	}

	startTime, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result startTime", Err: err}
	}

	stopTime, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result stopTime", Err: err}
	}

	nrOutputs, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result builtOutputs count", Err: err}
	}

	builtOutputs := make(map[string]Realisation, nrOutputs)
	for i := uint64(0); i < nrOutputs; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result output name", Err: err}
		}

		realisationJSON, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result realisation", Err: err}
		}

		builtOutputs[name] = Realisation{ID: realisationJSON}
	}

	return &BuildResult{
		Status:             BuildStatus(status),
		ErrorMsg:           errorMsg,
		TimesBuilt:         timesBuilt,
		IsNonDeterministic: isNonDeterministic,
		StartTime:          startTime,
		StopTime:           stopTime,
		BuiltOutputs:       builtOutputs,
	}, nil
}
