// Package artifact stores generated audio samples on the local filesystem.
//
// Every sample produced by a logged inference batch becomes one WAV file
// under a predictable tree:
//
//	<root>/<audio_subdir>/<mode>/<model>/sample_<model>_<seed>_<created>_<index>.wav
//
// Files are never written in place. Each sample is encoded into a temporary
// file in the destination directory, fsynced, renamed over the target and
// then decoded again to confirm the header matches what was asked for. A
// reader therefore sees either the complete file or no file.
//
// Batches go through a Staging area (see Stage) so that a batch can be
// written, committed to its final paths and, on failure, undone as a whole.
//
// Example Usage:
//
//	store, err := artifact.New("/data/difform", artifact.Options{})
//	if err != nil {
//		return err
//	}
//	dir, _ := store.Dir("variation", "m1")
//	art, err := store.Write(filepath.Join(dir, "sample_m1_7_1700000000_1.wav"), 44100, sample)
//	fmt.Println(art.Checksum)
package artifact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/difform/pkg/cache"
	"github.com/orneryd/difform/pkg/pool"
	"github.com/orneryd/difform/pkg/tensor"
)

// Ext is the file extension of stored samples.
const Ext = "wav"

// stagingDirName holds in-flight batches beneath the root.
const stagingDirName = ".staging"

const tempPrefix = ".difform-tmp-"

// wavFormatPCM is the WAVE_FORMAT_PCM audio format code.
const wavFormatPCM = 1

// Errors
var (
	ErrInvalidName     = errors.New("artifact: invalid path component")
	ErrInvalidSample   = errors.New("artifact: sample must be frames x channels, or frames for mono")
	ErrInvalidRate     = errors.New("artifact: sample rate must be positive")
	ErrVerifyFailed    = errors.New("artifact: written file does not decode as expected")
	ErrStagingClosed   = errors.New("artifact: staging area closed")
	ErrUnsupportedBits = errors.New("artifact: unsupported bit depth")
)

// WriteError reports the file a write failed on.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Artifact describes one stored sample file.
type Artifact struct {
	Path     string
	Checksum string // blake2b-256, hex
	Frames   int
	Channels int
	Size     int64
}

// Options configures a Store. Zero values select the defaults.
type Options struct {
	// AudioSubdir is the directory below root holding the audio tree (default "audio").
	AudioSubdir string

	// BitDepth is the PCM sample width: 16 (default), 24 or 32.
	BitDepth int

	// Concurrency bounds the number of samples of one batch encoded at once
	// (default 1).
	Concurrency int

	// ChecksumCacheSize bounds the number of remembered file digests
	// (default 4096). Negative disables the cache.
	ChecksumCacheSize int

	// Logger receives debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store writes and reads sample files beneath a root directory.
type Store struct {
	root        string
	audioDir    string
	bitDepth    int
	concurrency int
	sums        *cache.ChecksumCache
	log         *slog.Logger

	// keys maps a cleaned path to the cache key last stored for it.
	keys sync.Map
}

// New creates a Store rooted at root. The root and audio directories are
// created if missing.
func New(root string, opts Options) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact: root directory required")
	}
	if opts.AudioSubdir == "" {
		opts.AudioSubdir = "audio"
	}
	if opts.BitDepth == 0 {
		opts.BitDepth = 16
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := checkBitDepth(opts.BitDepth); err != nil {
		return nil, err
	}
	if err := ValidateComponent(opts.AudioSubdir); err != nil {
		return nil, err
	}

	audioDir := filepath.Join(root, opts.AudioSubdir)
	if err := os.MkdirAll(audioDir, 0755); err != nil {
		return nil, fmt.Errorf("artifact: creating audio directory: %w", err)
	}

	sums := cache.NewChecksumCache(opts.ChecksumCacheSize, time.Hour)
	if opts.ChecksumCacheSize < 0 {
		sums.SetEnabled(false)
	}

	return &Store{
		root:        root,
		audioDir:    audioDir,
		bitDepth:    opts.BitDepth,
		concurrency: opts.Concurrency,
		sums:        sums,
		log:         opts.Logger.With("component", "artifact"),
	}, nil
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

// AudioDir returns <root>/<audio_subdir>.
func (s *Store) AudioDir() string { return s.audioDir }

// BitDepth returns the PCM bit depth used for new files.
func (s *Store) BitDepth() int { return s.bitDepth }

// ValidateComponent rejects values that cannot be used as a single path
// element: empty, ".", "..", anything containing a separator or a NUL byte.
// Modes and model names end up as directory names and are checked with it.
func ValidateComponent(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// BatchDir returns <audio>/<mode>/<model> without creating it.
func (s *Store) BatchDir(mode, model string) (string, error) {
	if err := ValidateComponent(mode); err != nil {
		return "", err
	}
	if err := ValidateComponent(model); err != nil {
		return "", err
	}
	return filepath.Join(s.audioDir, mode, model), nil
}

// Dir returns <audio>/<mode>/<model>, creating it if needed.
func (s *Store) Dir(mode, model string) (string, error) {
	dir, err := s.BatchDir(mode, model)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &WriteError{Path: dir, Err: err}
	}
	return dir, nil
}

// FileName returns the file name for a sample identifier.
func FileName(sampleID string) string {
	return sampleID + "." + Ext
}

// Path returns the final location of a sample without touching the disk.
func (s *Store) Path(mode, model, sampleID string) (string, error) {
	dir, err := s.BatchDir(mode, model)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName(sampleID)), nil
}

// Rel returns path relative to the audio directory using forward slashes,
// or "" when path lies outside it.
func (s *Store) Rel(path string) string {
	rel, err := filepath.Rel(s.audioDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Write stores sample at path.
//
// The target is touched first so that the name is claimed, then the encoded
// file atomically replaces it. If encoding fails, a placeholder created by
// this call is removed again and a file that existed before is left as it
// was. A renamed file that fails verification is removed.
func (s *Store) Write(path string, sampleRate int, sample tensor.Tensor) (*Artifact, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, &WriteError{Path: path, Err: err}
		}
		f.Close()
		created = true
	}

	art, err := s.writeFile(path, sampleRate, sample)
	if err != nil {
		if created {
			os.Remove(path)
		}
		return nil, err
	}
	return art, nil
}

// writeFile encodes sample into a temp file next to path and renames it into
// place, then verifies the result.
func (s *Store) writeFile(path string, sampleRate int, sample tensor.Tensor) (*Artifact, error) {
	if sampleRate <= 0 {
		return nil, &WriteError{Path: path, Err: ErrInvalidRate}
	}
	switch sample.Rank() {
	case 1:
		sample = tensor.Tensor{Shape: []int{sample.Shape[0], 1}, Data: sample.Data}
	case 2:
	default:
		return nil, &WriteError{Path: path, Err: ErrInvalidSample}
	}
	if err := sample.Validate(); err != nil {
		return nil, &WriteError{Path: path, Err: fmt.Errorf("%w: %v", ErrInvalidSample, err)}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return nil, &WriteError{Path: path, Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if err := encodeWAV(tmp, sampleRate, s.bitDepth, sample); err != nil {
		tmp.Close()
		return nil, &WriteError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, &WriteError{Path: path, Err: fmt.Errorf("failed to sync temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return nil, &WriteError{Path: path, Err: fmt.Errorf("failed to close temp file: %w", err)}
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return nil, &WriteError{Path: path, Err: fmt.Errorf("failed to chmod temp file: %w", err)}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, &WriteError{Path: path, Err: fmt.Errorf("failed to rename temp file: %w", err)}
	}

	info, err := s.inspect(path)
	if err != nil {
		os.Remove(path)
		return nil, &WriteError{Path: path, Err: err}
	}
	if info.sampleRate != sampleRate || info.channels != sample.Channels() || info.frames != sample.Frames() {
		os.Remove(path)
		return nil, &WriteError{Path: path, Err: fmt.Errorf("%w: got rate=%d channels=%d frames=%d, want rate=%d channels=%d frames=%d",
			ErrVerifyFailed, info.sampleRate, info.channels, info.frames, sampleRate, sample.Channels(), sample.Frames())}
	}

	sum, size, err := checksumFile(path)
	if err != nil {
		os.Remove(path)
		return nil, &WriteError{Path: path, Err: err}
	}

	s.remember(path, sum)
	s.log.Debug("sample written", "path", path, "frames", info.frames, "channels", info.channels, "bytes", size)
	return &Artifact{
		Path:     path,
		Checksum: sum,
		Frames:   info.frames,
		Channels: info.channels,
		Size:     size,
	}, nil
}

// Checksum returns the hex blake2b-256 digest of the file at path.
//
// Digests are cached by path, size and modification time, so a file is
// only re-read after it changed or after an hour.
func (s *Store) Checksum(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(path)
	key := cache.KeyFor(clean, info)
	if sum, ok := s.sums.Get(key); ok {
		return sum, nil
	}
	sum, _, err := checksumFile(path)
	if err != nil {
		return "", err
	}
	s.put(clean, key, sum)
	return sum, nil
}

// ChecksumCacheStats reports digest cache usage.
func (s *Store) ChecksumCacheStats() cache.CacheStats {
	return s.sums.Stats()
}

// remember caches sum for the file currently at path.
func (s *Store) remember(path, sum string) {
	if info, err := os.Stat(path); err == nil {
		clean := filepath.Clean(path)
		s.put(clean, cache.KeyFor(clean, info), sum)
	}
}

func (s *Store) put(clean string, key uint64, sum string) {
	if old, ok := s.keys.Swap(clean, key); ok && old.(uint64) != key {
		s.sums.Remove(old.(uint64))
	}
	s.sums.Put(key, sum)
}

// Forget drops the cached digest of path, so the next Checksum re-reads the
// file. It reports whether anything was cached.
func (s *Store) Forget(path string) bool {
	key, ok := s.keys.LoadAndDelete(filepath.Clean(path))
	if !ok {
		return false
	}
	s.sums.Remove(key.(uint64))
	return true
}

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	buf := pool.GetCopyBuffer()
	defer pool.PutCopyBuffer(buf)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Decode reads a WAV file back into a frames x channels tensor with values
// scaled to [-1, 1], and returns its sample rate.
func (s *Store) Decode(path string) (tensor.Tensor, int, error) {
	return Decode(path)
}

// Decode reads the WAV file at path. See Store.Decode.
func Decode(path string) (tensor.Tensor, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return tensor.Tensor{}, 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return tensor.Tensor{}, 0, fmt.Errorf("%s: not a valid WAV file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return tensor.Tensor{}, 0, fmt.Errorf("decoding %s: %w", path, err)
	}

	channels := int(d.NumChans)
	if channels == 0 || len(buf.Data) == 0 || len(buf.Data)%channels != 0 {
		return tensor.Tensor{}, 0, fmt.Errorf("decoding %s: %d samples for %d channels", path, len(buf.Data), channels)
	}
	scale := fullScale(int(d.BitDepth))
	data := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		data[i] = float64(v) / scale
	}

	t, err := tensor.New([]int{len(buf.Data) / channels, channels}, data)
	if err != nil {
		return tensor.Tensor{}, 0, err
	}
	return t, int(d.SampleRate), nil
}

type wavInfo struct {
	sampleRate int
	channels   int
	frames     int
}

// inspect decodes the header and PCM chunk of a written file.
func (s *Store) inspect(path string) (wavInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return wavInfo{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return wavInfo{}, fmt.Errorf("%w: invalid header", ErrVerifyFailed)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return wavInfo{}, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	channels := int(d.NumChans)
	if channels == 0 {
		return wavInfo{}, fmt.Errorf("%w: zero channels", ErrVerifyFailed)
	}
	return wavInfo{
		sampleRate: int(d.SampleRate),
		channels:   channels,
		frames:     len(buf.Data) / channels,
	}, nil
}

// encodeWAV writes sample (frames x channels, interleaved row-major) as PCM.
// Values are clipped to [-1, 1] before quantisation.
func encodeWAV(w io.WriteSeeker, sampleRate, bitDepth int, sample tensor.Tensor) error {
	channels := sample.Channels()
	scale := fullScale(bitDepth)

	ints := pool.GetIntSlice(len(sample.Data))
	defer pool.PutIntSlice(ints)
	for i, v := range sample.Data {
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		ints[i] = int(roundHalfAway(v * scale))
	}

	enc := wav.NewEncoder(w, sampleRate, bitDepth, channels, wavFormatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           ints,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encoding wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing wav: %w", err)
	}
	return nil
}

func fullScale(bitDepth int) float64 {
	return float64(int64(1)<<(bitDepth-1) - 1)
}

func roundHalfAway(x float64) float64 {
	if x < 0 {
		return float64(int64(x - 0.5))
	}
	return float64(int64(x + 0.5))
}

func checkBitDepth(bits int) error {
	switch bits {
	case 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedBits, bits)
	}
}

// CleanStaging removes leftovers of staging areas abandoned by a crash.
func (s *Store) CleanStaging() error {
	dir := filepath.Join(s.root, stagingDirName)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.log.Warn("removing abandoned staging area", "dir", e.Name())
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
