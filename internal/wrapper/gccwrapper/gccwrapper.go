// Package gccwrapper is a reference Wrapper implementation for
// GCC/Clang-compatible compilers, grounded on
// original_source/src/wrappers/gcc_wrapper.cpp.
package gccwrapper

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/buildcache/corecache/internal/config"
	"github.com/buildcache/corecache/internal/wrapper"
)

// hashVersion is bumped whenever the fingerprint-affecting logic below
// changes in a way that is not backwards compatible.
const hashVersion = "3"

var pathArgs = map[string]bool{
	"-I": true, "-MF": true, "-MT": true, "-MQ": true, "-o": true, "-isystem": true,
}

var debugOptions = map[string]bool{
	"-g": true, "-ggdb": true, "-gdwarf": true, "-gdwarf-2": true, "-gdwarf-3": true,
	"-gdwarf-4": true, "-gdwarf-5": true, "-gstabs": true, "-gstabs+": true,
	"-gxcoff": true, "-gxcoff+": true, "-gvms": true,
}

var coverageOptions = map[string]bool{
	"-ftest-coverage": true, "-fprofile-arcs": true, "--coverage": true,
}

var sourceExtensions = map[string]bool{
	".cpp": true, ".cc": true, ".cxx": true, ".c": true,
}

// Wrapper drives a single gcc/clang-compatible compiler invocation.
type Wrapper struct {
	exePath      string
	args         []string
	resolvedArgs []string
	accuracy     config.AccuracyMode
	isClang      bool

	runner func(argv []string) (stdout, stderr string, exitCode int, err error)
}

// New builds a Wrapper for the invocation exePath(args...).
func New(exePath string, args []string, accuracy config.AccuracyMode) *Wrapper {
	isClang := clangRe.MatchString(strings.ToLower(filepath.Base(exePath)))
	return &Wrapper{exePath: exePath, args: args, accuracy: accuracy, isClang: isClang, runner: runProcess}
}

// CanHandle reports whether exePath names a gcc- or g++-family or
// clang-family compiler (excluding clang-cl, which belongs to an
// MSVC-style wrapper this package does not implement).
func CanHandle(exePath string) bool {
	cmd := strings.ToLower(filepath.Base(exePath))
	if gccRe.MatchString(cmd) {
		return true
	}
	if strings.ToLower(filepath.Base(exePath)) == "clang-cl" {
		return false
	}
	return clangRe.MatchString(cmd)
}

var (
	gccRe   = regexp.MustCompile(`^(.*\W)?(gcc|g\+\+).*$`)
	clangRe = regexp.MustCompile(`.*clang(\+\+|-cpp)?(-[1-9][0-9]*(\.[0-9]+)*)?(\.exe)?$`)
)

func (w *Wrapper) CanHandle(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	return CanHandle(argv[0])
}

// ResolveArgs expands @response-file arguments recursively, grounded on
// gcc_wrapper_t::resolve_args/parse_args/parse_response_file.
func (w *Wrapper) ResolveArgs() ([]string, error) {
	resolved, err := expandResponseFiles(w.args)
	if err != nil {
		return nil, err
	}
	w.resolvedArgs = resolved
	return resolved, nil
}

func expandResponseFiles(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if !strings.HasPrefix(arg, "@") {
			out = append(out, arg)
			continue
		}
		expanded, err := expandResponseFile(arg[1:])
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

func expandResponseFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		// GCC leaves the argument as-is if the file cannot be opened.
		return []string{"@" + filename}, nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, splitArgs(scanner.Text())...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gccwrapper: reading response file %s: %w", filename, err)
	}
	return expandResponseFiles(lines)
}

func splitArgs(line string) []string {
	return strings.Fields(line)
}

// Capabilities declares hard-link support (GCC/Clang never overwrite an
// already-existing output file in place); target directories are not
// created.
func (w *Wrapper) Capabilities() map[wrapper.Capability]bool {
	return map[wrapper.Capability]bool{
		wrapper.CapHardLinks:        true,
		wrapper.CapCreateTargetDirs: false,
	}
}

func (w *Wrapper) usesDefinesInPreprocess() bool {
	// Reports false, so RelevantArguments keeps -D arguments in the
	// relevant-arguments hash.
	return false
}

// PreprocessSource runs the compiler's -E step and returns the
// preprocessed translation unit, the content that actually determines
// the compiled object's bytes.
func (w *Wrapper) PreprocessSource() ([]byte, error) {
	isObjectCompilation, hasObjectOutput := false, false
	for _, arg := range w.resolvedArgs {
		switch arg {
		case "-c":
			isObjectCompilation = true
		case "-o":
			hasObjectOutput = true
		}
	}
	if !isObjectCompilation || !hasObjectOutput {
		return nil, &wrapper.ErrUnsupportedCommand{Reason: "not an object-file compilation"}
	}

	tmp, err := os.CreateTemp("", "corecache-pp-*.i")
	if err != nil {
		return nil, fmt.Errorf("gccwrapper: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	preprocessArgs := w.makePreprocessorCmd(tmpPath)
	_, stderr, exitCode, err := w.runner(preprocessArgs)
	if err != nil {
		return nil, fmt.Errorf("gccwrapper: running preprocessor: %w", err)
	}
	if exitCode != 0 {
		return nil, &wrapper.ErrUnsupportedCommand{Reason: "preprocessing command was unsuccessful: " + stderr}
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("gccwrapper: reading preprocessed output: %w", err)
	}
	return data, nil
}

func (w *Wrapper) makePreprocessorCmd(preprocessedFile string) []string {
	args := make([]string, 0, len(w.args)+4)
	dropNext := false
	for _, arg := range w.args {
		dropThis := dropNext
		dropNext = false
		switch arg {
		case "-c":
			dropThis = true
		case "-o":
			dropThis = true
			dropNext = true
		}
		if !dropThis {
			args = append(args, arg)
		}
	}

	debugSymbolsRequired := hasAny(w.args, debugOptions) && w.accuracy == config.AccuracyStrict
	coverageSymbolsRequired := hasAny(w.args, coverageOptions)
	inhibitLineInfo := !(debugSymbolsRequired || coverageSymbolsRequired)

	args = append(args, "-E")
	if inhibitLineInfo {
		args = append(args, "-P")
	}
	args = append(args, "-o", preprocessedFile, "-H")

	if w.isClang {
		args = append(args, "-frewrite-includes")
	} else {
		args = append(args, "-fdirectives-only")
	}
	return args
}

func hasAny(args []string, set map[string]bool) bool {
	for _, a := range args {
		if set[a] {
			return true
		}
	}
	return false
}

func isSourceFile(arg string) bool {
	return sourceExtensions[strings.ToLower(filepath.Ext(arg))]
}

// RelevantArguments filters w.resolvedArgs down to the subset that
// affects the compiled result, grounded on
// gcc_wrapper_t::get_relevant_arguments.
func (w *Wrapper) RelevantArguments() []string {
	filtered := make([]string, 0, len(w.resolvedArgs)+1)
	filtered = append(filtered, filepath.Base(w.args[0]))

	skipNext := true
	for _, arg := range w.resolvedArgs {
		if skipNext {
			skipNext = false
			continue
		}
		firstTwo := firstN(arg, 2)
		unwanted := firstTwo == "-I" ||
			(w.usesDefinesInPreprocess() && firstTwo == "-D") ||
			firstTwo == "-M" ||
			strings.HasPrefix(arg, "--sysroot=") ||
			isSourceFile(arg)

		if pathArgs[arg] {
			skipNext = true
		} else if !unwanted {
			filtered = append(filtered, arg)
		}
	}
	return filtered
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

// RelevantEnvVars returns no environment dependencies: unresolved from
// the original (see gcc_wrapper_t::get_relevant_env_vars's own TODO).
func (w *Wrapper) RelevantEnvVars() map[string]string {
	return map[string]string{}
}

// ProgramID runs "<compiler> --version" and prepends the hash format
// version, so a toolchain upgrade invalidates every cached entry.
func (w *Wrapper) ProgramID() (string, error) {
	stdout, _, exitCode, err := w.runner([]string{w.args[0], "--version"})
	if err != nil {
		return "", fmt.Errorf("gccwrapper: running --version: %w", err)
	}
	if exitCode != 0 {
		return "", &wrapper.ErrUnsupportedCommand{Reason: "unable to get compiler version"}
	}
	return hashVersion + stdout, nil
}

// ExpectedBuildFiles returns the single -o target plus, when coverage
// output is requested, the accompanying .gcno file.
func (w *Wrapper) ExpectedBuildFiles() map[string]wrapper.ExpectedFile {
	files := map[string]wrapper.ExpectedFile{}
	for i := 0; i < len(w.resolvedArgs); i++ {
		if w.resolvedArgs[i] == "-o" && i+1 < len(w.resolvedArgs) {
			files["object"] = wrapper.ExpectedFile{Path: w.resolvedArgs[i+1], Required: true}
			break
		}
	}
	if obj, ok := files["object"]; ok && hasAny(w.resolvedArgs, coverageOptions) {
		files["coverage"] = wrapper.ExpectedFile{Path: changeExtension(obj.Path, ".gcno"), Required: true}
	}
	return files
}

func changeExtension(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// RunForMiss actually invokes the compiler, streaming and capturing its
// stdout/stderr.
func (w *Wrapper) RunForMiss(stdout, stderr io.Writer) (wrapper.RunResult, error) {
	cmd := exec.Command(w.args[0], w.args[1:]...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = io.MultiWriter(stdout, &outBuf)
	cmd.Stderr = io.MultiWriter(stderr, &errBuf)

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return wrapper.RunResult{}, fmt.Errorf("gccwrapper: starting compiler: %w", err)
	}

	return wrapper.RunResult{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), ExitCode: exitCode}, nil
}

func runProcess(argv []string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
	}
	if runErr != nil {
		return "", "", -1, runErr
	}
	return outBuf.String(), errBuf.String(), 0, nil
}
