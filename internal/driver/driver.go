// Package driver implements the wrapper driver (spec §4.6, C7): the
// per-invocation state machine that sequences fingerprinting, lookup,
// miss execution, and insertion. Grounded on
// original_source/src/wrappers/program_wrapper.cpp's handle_command,
// which this package follows step for step.
package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/buildcache/corecache/internal/bcerrors"
	"github.com/buildcache/corecache/internal/digest"
	"github.com/buildcache/corecache/internal/entry"
	"github.com/buildcache/corecache/internal/localstore"
	"github.com/buildcache/corecache/internal/remotestore"
	"github.com/buildcache/corecache/internal/wrapper"
)

// Outcome is the result of one driven invocation.
type Outcome struct {
	// ExitCode is the code the caller should exit with when FromCache or
	// the tool actually ran.
	ExitCode int
	// FromCache is true if the result was replayed from a cache hit
	// rather than by running the tool.
	FromCache bool
	// FallbackToDirect is true when the core hit an internal error and
	// the caller must re-execute the tool directly to avoid turning a
	// working build into a broken one (spec §7).
	FallbackToDirect bool
}

// Driver is the orchestrating state machine for one tool invocation.
type Driver struct {
	cfg     Config
	local   *localstore.Store
	remote  *remotestore.Store
	logger  zerolog.Logger
	guard   func() func() // BuildTrackerGuard acquire/release pair
}

// New builds a Driver. remote may be nil if no remote is configured.
func New(cfg Config, local *localstore.Store, remote *remotestore.Store, logger zerolog.Logger) *Driver {
	d := &Driver{cfg: cfg, local: local, remote: remote, logger: logger, guard: NewBuildTrackerGuard}
	return d
}

// Run drives one invocation of w to completion, writing the hit or miss
// output to stdout/stderr as appropriate. w is expected to already
// carry the tool's argv (the caller resolves which Wrapper to use via
// Wrapper.CanHandle before constructing it). The outer catch (spec §7)
// converts any internal error into Outcome.FallbackToDirect instead of
// propagating it, so the cache can never turn a working build into a
// broken one.
func (d *Driver) Run(ctx context.Context, w wrapper.Wrapper, stdout, stderr io.Writer) Outcome {
	release := d.guard()
	defer release()

	outcome, err := d.run(ctx, w, stdout, stderr)
	if err != nil {
		d.logger.Warn().Err(err).Msg("internal error, falling back to direct execution")
		return Outcome{ExitCode: 1, FallbackToDirect: true}
	}
	return outcome
}

func (d *Driver) run(ctx context.Context, w wrapper.Wrapper, stdout, stderr io.Writer) (Outcome, error) {
	// 1. Resolving.
	if _, err := w.ResolveArgs(); err != nil {
		return Outcome{}, fmt.Errorf("driver: resolving args: %w", err)
	}

	// 2. Capabilities.
	caps := w.Capabilities()
	allowHardlink := d.cfg.HardLinks && caps[wrapper.CapHardLinks]
	createDirs := caps[wrapper.CapCreateTargetDirs]

	// 3. Fingerprinting.
	source, err := w.PreprocessSource()
	if err != nil {
		var unsupported *wrapper.ErrUnsupportedCommand
		if isUnsupported(err, &unsupported) {
			// Forced pass-through: skip the cache entirely.
			return d.runDirect(w, stdout, stderr)
		}
		return Outcome{}, fmt.Errorf("driver: preprocessing source: %w", err)
	}

	programID, err := w.ProgramID()
	if err != nil {
		return Outcome{}, fmt.Errorf("driver: resolving program id: %w", err)
	}

	fp := fingerprint(source, w.RelevantArguments(), w.RelevantEnvVars(), programID)

	// 4. Expected files.
	expected := w.ExpectedBuildFiles()

	// 5. Probing.
	e, sourceDir, hitRemote, err := d.probe(ctx, fp)
	if err == nil {
		// 6. Hit path.
		if err := d.serveHit(ctx, fp, e, sourceDir, expected, allowHardlink, createDirs, hitRemote, stdout, stderr); err != nil {
			return Outcome{}, err
		}
		d.recordStats(localstore.StatsDelta{Hits: 1})
		return Outcome{ExitCode: int(e.ExitCode), FromCache: true}, nil
	}
	if !bcerrors.IsMiss(err) {
		return Outcome{}, err
	}

	d.logger.Debug().Str("key", fp.String()).Msg("cache miss")
	d.recordStats(localstore.StatsDelta{Misses: 1})

	// 7. Terminate-on-miss mode.
	if d.cfg.TerminateOnMiss {
		for _, id := range sortedKeys(expected) {
			fmt.Fprintln(stdout, expected[id].Path)
		}
		return Outcome{ExitCode: 0}, nil
	}

	// 8. Running.
	result, err := w.RunForMiss(stdout, stderr)
	if err != nil {
		return Outcome{}, fmt.Errorf("driver: running tool: %w", err)
	}

	// 9. Inserting. Caching a failed run is unsafe without strong
	// confidence of determinism (intermittent/environmental failures),
	// so only a zero exit code is ever cached.
	if result.ExitCode == 0 {
		if err := d.insert(ctx, fp, expected, result, allowHardlink); err != nil {
			d.logger.Warn().Err(err).Str("key", fp.String()).Msg("insert failed")
		} else {
			d.recordStats(localstore.StatsDelta{Inserts: 1})
		}
	}

	// 10. Done.
	return Outcome{ExitCode: result.ExitCode}, nil
}

func (d *Driver) runDirect(w wrapper.Wrapper, stdout, stderr io.Writer) (Outcome, error) {
	result, err := w.RunForMiss(stdout, stderr)
	if err != nil {
		return Outcome{}, fmt.Errorf("driver: running tool (pass-through): %w", err)
	}
	return Outcome{ExitCode: result.ExitCode}, nil
}

// digesterPool recycles *digest.Digester instances across invocations
// of fingerprint, avoiding a fresh Digester (and its two xxhash.Digest
// allocations) on every call (spec §3/[C1]: "pooled via sync.Pool in
// the driver's hot path").
var digesterPool = sync.Pool{
	New: func() any { return digest.New() },
}

// fingerprint builds the single digest from the fixed-order components
// described in spec §4.6 step 3. Changing this order invalidates every
// existing entry.
func fingerprint(source []byte, relevantArgs []string, relevantEnv map[string]string, programID string) digest.Fingerprint {
	d := digesterPool.Get().(*digest.Digester)
	defer func() {
		d.Reset()
		digesterPool.Put(d)
	}()

	d.Update(source)
	for _, arg := range relevantArgs {
		d.UpdateString(arg)
		d.Update([]byte{0}) // unambiguous separator between arguments
	}
	d.UpdateOrderedPairs(digest.SortedPairs(relevantEnv))
	d.UpdateString(programID)
	return d.Finalize()
}

// probe queries the local store, then the remote store on miss. On a
// remote hit, the entry is written through to local before being
// served (spec §4.6 step 5), and hitRemote is true.
func (d *Driver) probe(ctx context.Context, fp digest.Fingerprint) (e entry.Entry, sourceDir string, hitRemote bool, err error) {
	e, dir, err := d.local.Lookup(fp)
	if err == nil {
		return e, dir, false, nil
	}
	if !bcerrors.IsMiss(err) {
		return entry.Entry{}, "", false, err
	}
	if d.remote == nil || !d.remote.IsConnected() {
		return entry.Entry{}, "", false, bcerrors.ErrCacheMiss
	}

	e, err = d.remote.Lookup(ctx, fp)
	if err != nil {
		return entry.Entry{}, "", false, err
	}
	return e, "", true, nil
}

func (d *Driver) serveHit(
	ctx context.Context,
	fp digest.Fingerprint,
	e entry.Entry,
	localDir string,
	expected map[string]wrapper.ExpectedFile,
	allowHardlink, createDirs, hitRemote bool,
	stdout, stderr io.Writer,
) error {
	fileMap := map[string]localstore.FileMapEntry{}

	for _, id := range e.FileIDs {
		target, ok := expected[id]
		if !ok {
			continue
		}

		decompress := e.CompressionMode != entry.CompressionNone
		if hitRemote {
			if err := d.remote.GetFile(ctx, fp, id, target.Path, decompress); err != nil {
				return fmt.Errorf("driver: materialising %s from remote: %w", id, err)
			}
			fileMap[id] = localstore.FileMapEntry{SourcePath: target.Path, NoRewrite: true}
			continue
		}

		if err := d.local.GetFile(fp, id, target.Path, decompress, allowHardlink, createDirs); err != nil {
			return fmt.Errorf("driver: materialising %s from local: %w", id, err)
		}
	}

	if hitRemote {
		// Write through to local before serving, so a subsequent
		// invocation hits locally too (spec §4.6 step 5).
		if err := d.local.Add(fp, e, fileMap, false); err != nil {
			d.logger.Warn().Err(err).Str("key", fp.String()).Msg("write-through to local store failed")
		}
	} else {
		if err := d.local.Touch(fp); err != nil {
			d.logger.Warn().Err(err).Str("key", fp.String()).Msg("touch failed")
		}
	}

	_ = localDir // retained for diagnostics symmetry with Lookup's return shape

	// All artifacts are materialised before stdout/stderr are replayed
	// (spec §5 ordering guarantee), so downstream tools see a
	// consistent state.
	_, _ = stdout.Write(e.Stdout)
	_, _ = stderr.Write(e.Stderr)
	return nil
}

func (d *Driver) insert(ctx context.Context, fp digest.Fingerprint, expected map[string]wrapper.ExpectedFile, result wrapper.RunResult, allowHardlink bool) error {
	fileIDs := make([]string, 0, len(expected))
	fileMap := map[string]localstore.FileMapEntry{}
	remoteFileMap := map[string]string{}

	for id, exp := range expected {
		exists := fileExists(exp.Path)
		if exp.Required && !exists {
			return fmt.Errorf("driver: required output %q missing at %s", id, exp.Path)
		}
		if !exists {
			continue
		}
		fileIDs = append(fileIDs, id)
		fileMap[id] = localstore.FileMapEntry{SourcePath: exp.Path, NoRewrite: allowHardlink}
		remoteFileMap[id] = exp.Path
	}
	sort.Strings(fileIDs)

	mode := entry.CompressionNone
	if d.cfg.CompressOnStore {
		mode = entry.CompressionAll
	}

	e := entry.Entry{
		FileIDs:         fileIDs,
		CompressionMode: mode,
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExitCode:        int32(result.ExitCode),
	}

	if err := d.local.Add(fp, e, fileMap, allowHardlink); err != nil {
		return fmt.Errorf("driver: inserting into local store: %w", err)
	}

	if d.remote != nil {
		d.remote.Add(ctx, fp, e, remoteFileMap)
	}
	return nil
}

// recordStats folds delta into the local store's cumulative hit/miss/
// insert counters (spec §11). A failure here is a logged warning, never
// a reason to disturb the invocation's outcome.
func (d *Driver) recordStats(delta localstore.StatsDelta) {
	if err := d.local.RecordStatsDelta(delta); err != nil {
		d.logger.Warn().Err(err).Msg("recording cache stats delta failed")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isUnsupported(err error, target **wrapper.ErrUnsupportedCommand) bool {
	u, ok := err.(*wrapper.ErrUnsupportedCommand)
	if ok {
		*target = u
	}
	return ok
}

func sortedKeys(m map[string]wrapper.ExpectedFile) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
