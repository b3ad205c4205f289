// Package filesink writes agent-produced artifacts (downloads, module
// output, logs, keystrokes) under the server's install root. Every write is
// canonicalized and confined to the downloads tree before touching disk.
package filesink

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corvusc2/corvus/c2errors"
	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/internal/bin"
	"github.com/klauspost/compress/zlib"
)

// ErrPathEscape reports a save path that resolves outside the downloads
// tree (the "skywalker" traversal attempt).
var ErrPathEscape = c2errors.New(c2errors.StageFileSink, c2errors.CodePathEscape)

// Sink persists agent artifacts below Root. Events published on the bus
// mirror what an operator console would print.
type Sink struct {
	Root   string
	Events events.Sink
}

// New builds a sink rooted at the install path.
func New(root string, ev events.Sink) *Sink {
	if ev == nil {
		ev = events.NopSink{}
	}
	return &Sink{Root: root, Events: ev}
}

func (s *Sink) downloadsRoot() string {
	abs, err := filepath.Abs(filepath.Join(s.Root, "downloads"))
	if err != nil {
		return filepath.Join(s.Root, "downloads")
	}
	return abs
}

// confine resolves the target under downloads/ and rejects any path whose
// canonical form, after symlink resolution, escapes it. Symlinks in the
// missing tail cannot exist yet; the deepest existing ancestor is resolved.
func (s *Sink) confine(parts ...string) (string, error) {
	root, err := resolveExisting(s.downloadsRoot())
	if err != nil {
		return "", ErrPathEscape
	}
	target, err := filepath.Abs(filepath.Join(append([]string{root}, parts...)...))
	if err != nil {
		return "", ErrPathEscape
	}
	target, err = resolveExisting(target)
	if err != nil {
		return "", ErrPathEscape
	}
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return target, nil
}

// resolveExisting canonicalizes the longest existing prefix of path and
// rejoins the not-yet-created suffix.
func resolveExisting(path string) (string, error) {
	suffix := ""
	for cur := path; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		cur = parent
	}
}

func splitRemotePath(remote string) (dir, file string) {
	remote = strings.ReplaceAll(remote, "\\", "/")
	remote = strings.TrimRight(remote, "/")
	if i := strings.LastIndex(remote, "/"); i >= 0 {
		return remote[:i], remote[i+1:]
	}
	return "", remote
}

// decompressFrame unpacks the python agents' download framing: a leading
// crc32 over the original bytes, the zlib stream, and a trailing crc32.
func decompressFrame(frame []byte) (data []byte, crcOK bool, err error) {
	if len(frame) < 9 {
		return nil, false, c2errors.Wrap(c2errors.StageFileSink, c2errors.CodeCRCMismatch, errors.New("short compressed frame"))
	}
	headerCRC := bin.U32LE(frame[:4])
	trailerCRC := bin.U32LE(frame[len(frame)-4:])
	zr, err := zlib.NewReader(bytes.NewReader(frame[4 : len(frame)-4]))
	if err != nil {
		return nil, false, c2errors.Wrap(c2errors.StageFileSink, c2errors.CodeCRCMismatch, err)
	}
	defer zr.Close()
	data, err = io.ReadAll(zr)
	if err != nil {
		return nil, false, c2errors.Wrap(c2errors.StageFileSink, c2errors.CodeCRCMismatch, err)
	}
	sum := crc32.ChecksumIEEE(data)
	return data, headerCRC == trailerCRC && sum == headerCRC, nil
}

// DecodeFrame inflates the python agents' crc-framed zlib payload. A failed
// checksum is logged and the inflated bytes are still returned, matching
// how the agents themselves treat a stale crc. Callers decode before
// handing bytes to the save paths, which keeps inflation out of any lock
// they hold.
func (s *Sink) DecodeFrame(agentName string, frame []byte) ([]byte, error) {
	dec, crcOK, err := decompressFrame(frame)
	if err != nil {
		return nil, err
	}
	if !crcOK {
		events.Logf(s.Events, events.AgentSender(agentName), true,
			"WARNING: file from agent %s failed crc32 check during decompression", agentName)
	}
	return dec, nil
}

// SaveDownload writes one chunk of a file download. Chunks after the first
// arrive with appendData set and are concatenated on disk. data is the
// plain chunk; compressed payloads go through DecodeFrame first.
func (s *Sink) SaveDownload(agentName, remotePath string, data []byte, totalSize int64, appendData bool) error {
	dir, file := splitRemotePath(remotePath)
	target, err := s.confine(agentName, dir, file)
	if err != nil {
		events.Logf(s.Events, events.AgentSender(agentName), true,
			"WARNING: agent %s attempted path traversal, refused write of %s", agentName, remotePath)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendData {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(target, flags, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	percent := 100.0
	if totalSize > 0 {
		if fi, err := os.Stat(target); err == nil {
			percent = math.Min(100, math.Round(float64(fi.Size())/float64(totalSize)*100*100)/100)
		}
	}
	events.Logf(s.Events, events.AgentSender(agentName), true,
		"Part of file %s from %s saved [%.2f%%]", file, agentName, percent)
	return nil
}

// SaveModuleFile writes module output under the agent's downloads directory
// and returns the saved path relative to Root. Compressed payloads go
// through DecodeFrame first.
func (s *Sink) SaveModuleFile(agentName, remotePath string, data []byte) (string, error) {
	dir, file := splitRemotePath(remotePath)
	target, err := s.confine(agentName, dir, file)
	if err != nil {
		events.Logf(s.Events, events.AgentSender(agentName), true,
			"WARNING: agent %s attempted path traversal, refused write of %s", agentName, remotePath)
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(target, data, 0o640); err != nil {
		return "", err
	}
	events.Logf(s.Events, events.AgentSender(agentName), true, "File %s from %s saved", remotePath, agentName)
	rel := filepath.ToSlash(filepath.Join("downloads", agentName, dir, file))
	return "/" + rel, nil
}

// ModuleSavePath builds the conventional module-output filename:
// <prefix>/<hostname>_<stamp>.<extension>.
func ModuleSavePath(prefix, hostname, extension string, now time.Time) string {
	return fmt.Sprintf("%s/%s_%s.%s", prefix, hostname, now.Format("2006-01-02_15-04-05"), extension)
}

// AppendAgentLog appends one entry to the agent's activity log
// (downloads/<agent>/agent.log), framed with a timestamp line.
func (s *Sink) AppendAgentLog(agentName, entry string) error {
	target, err := s.confine(agentName, "agent.log")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	stamp := time.Now().UTC().Format("2006-01-02 15:04:05")
	_, err = fmt.Fprintf(f, "\n%s : %s\n", stamp, entry)
	return err
}

// AppendKeystrokes normalizes keylogger output and appends it to the
// agent's keystrokes.txt. Editing keys are stripped and logical line ends
// ("[Enter]\r") become newlines.
func (s *Sink) AppendKeystrokes(agentName, data string) error {
	target, err := s.confine(agentName, "keystrokes.txt")
	if err != nil {
		events.Logf(s.Events, events.AgentSender(agentName), true,
			"WARNING: agent %s attempted path traversal, refused keystroke write", agentName)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	r := strings.NewReplacer("\r\n", "", "[SpaceBar]", "", "\b", "", "[Shift]", "", "[Enter]\r", "\r\n")
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(r.Replace(data))
	return err
}

// RenameAgentDir moves the agent's artifact directory when the agent is
// renamed, so logs and downloads follow the display name.
func (s *Sink) RenameAgentDir(oldName, newName string) error {
	from, err := s.confine(oldName)
	if err != nil {
		return err
	}
	to, err := s.confine(newName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(from, to)
}
