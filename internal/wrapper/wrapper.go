// Package wrapper defines the contract between the driver and
// tool-specific policy (spec §4.7, C8), grounded on
// original_source/src/wrappers/program_wrapper.{hpp,cpp}.
//
// Design Notes §9 models the original's GCC-like/MSVC-like/GHS-like
// inheritance hierarchy as a variant over capability instead: Capability
// is a plain value, and Wrapper is an interface any tool-specific policy
// can satisfy without subclassing a base.
package wrapper

import "io"

// Capability is a declared property of a wrapper enabling a faster path
// in the driver.
type Capability string

const (
	// CapHardLinks means the tool guarantees it never overwrites an
	// output file in-place, so cached artifacts may be hardlinked
	// instead of copied.
	CapHardLinks Capability = "hard_links"
	// CapCreateTargetDirs means expected output destinations may need
	// intermediate directories created.
	CapCreateTargetDirs Capability = "create_target_dirs"
)

// ExpectedFile is a declared (path, required?) pair the driver expects
// the tool to produce for one File ID.
type ExpectedFile struct {
	Path     string
	Required bool
}

// ErrUnsupportedCommand signals that PreprocessSource could not make
// sense of the invocation; the driver must fall through to running the
// tool directly without consulting the cache.
type ErrUnsupportedCommand struct {
	Reason string
}

func (e *ErrUnsupportedCommand) Error() string {
	return "wrapper: unsupported command: " + e.Reason
}

// RunResult is the observable outcome of actually running the tool.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Wrapper is the capability interface consumed by the driver. Every
// operation returns a pure value; only PreprocessSource is allowed to
// signal "unsupported" (via ErrUnsupportedCommand) — all others are
// assumed total.
type Wrapper interface {
	// ResolveArgs expands response files into a flat argument list.
	ResolveArgs() ([]string, error)

	// CanHandle reports whether this wrapper recognizes argv well
	// enough to dispatch the driver to it.
	CanHandle(argv []string) bool

	// Capabilities returns the set of Capability values this tool
	// supports.
	Capabilities() map[Capability]bool

	// PreprocessSource returns the canonical representation of the
	// semantically significant input. It is the only operation allowed
	// to return ErrUnsupportedCommand.
	PreprocessSource() ([]byte, error)

	// RelevantArguments returns the ordered subset of argv that affects
	// the compiled result (e.g. excluding -o's path argument).
	RelevantArguments() []string

	// RelevantEnvVars returns the subset of the environment that
	// affects the compiled result, keyed by variable name.
	RelevantEnvVars() map[string]string

	// ProgramID returns a stable identifier for the tool itself:
	// toolchain version, host/target architecture, and, where the
	// platform exposes it, the executable's content digest.
	ProgramID() (string, error)

	// ExpectedBuildFiles returns the File ID to ExpectedFile map for
	// this invocation.
	ExpectedBuildFiles() map[string]ExpectedFile

	// RunForMiss actually runs the tool, streaming its stdout/stderr
	// through the given writers while also capturing them.
	RunForMiss(stdout, stderr io.Writer) (RunResult, error)
}
