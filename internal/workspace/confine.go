// Package workspace implements path confinement: deciding whether a
// candidate filesystem path resolves inside an approved workspace root.
package workspace

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
)

// FailureKind names why a candidate path was rejected.
type FailureKind string

const (
	FailureNullByte                 FailureKind = "null_byte"
	FailureReservedDevice            FailureKind = "reserved_device"
	FailureAltDataStream             FailureKind = "alt_data_stream"
	FailureEscapesRoot               FailureKind = "escapes_root"
	FailureSymlinkEscape             FailureKind = "symlink_escape"
	FailureCaseNormalizationMismatch FailureKind = "case_normalization_mismatch"
	FailureNotAbsoluteAfterResolve   FailureKind = "not_absolute_after_resolve"
)

// Error reports a path confinement rejection with its kind.
type Error struct {
	Kind FailureKind
	Path string
}

func (e *Error) Error() string {
	return "path confinement: " + string(e.Kind) + ": " + e.Path
}

func fail(kind FailureKind, path string) error {
	return &Error{Kind: kind, Path: path}
}

// KindOf extracts the FailureKind from err, if err is (or wraps) a
// confinement *Error.
func KindOf(err error) (FailureKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

var reservedDeviceNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// resolveSymlinks is overridden in tests to exercise symlink-escape paths
// deterministically without touching the real filesystem.
var resolveSymlinks = filepath.EvalSymlinks

// Confine decides whether candidate lies within root once both are
// fully resolved. It is pure aside from the symlink resolution syscall
// (EvalSymlinks), which only reads filesystem structure, never mutates it.
func Confine(candidate, root string) (string, error) {
	if strings.ContainsRune(candidate, 0) {
		return "", fail(FailureNullByte, candidate)
	}

	for _, seg := range strings.Split(filepath.ToSlash(candidate), "/") {
		base, hasColon := splitColonSegment(seg)
		if hasColon && !isDriveLetterPrefix(seg) {
			return "", fail(FailureAltDataStream, candidate)
		}
		if isReservedDeviceName(base) {
			return "", fail(FailureReservedDevice, candidate)
		}
	}

	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", fail(FailureNotAbsoluteAfterResolve, candidate)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fail(FailureNotAbsoluteAfterResolve, root)
	}

	resolvedRoot, err := resolveSymlinks(absRoot)
	if err != nil {
		// Root itself must exist and be resolvable; treat failure as escape
		// since we cannot establish the confinement boundary.
		return "", fail(FailureSymlinkEscape, root)
	}

	resolvedCandidate, err := resolveCandidate(absCandidate)
	if err != nil {
		return "", fail(FailureSymlinkEscape, candidate)
	}

	if normalizeCase(resolvedCandidate) == normalizeCase(resolvedRoot) {
		return resolvedCandidate, nil
	}

	rel, err := filepath.Rel(resolvedRoot, resolvedCandidate)
	if err != nil {
		return "", fail(FailureEscapesRoot, candidate)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fail(FailureEscapesRoot, candidate)
	}
	// A prefix-string false positive like "/ws-foo" vs root "/ws" would
	// never reach here: filepath.Rel already operates on path components,
	// not string prefixes, so "/ws-foo" relative to "/ws" is "../ws-foo".

	return resolvedCandidate, nil
}

// resolveCandidate resolves symlinks on the deepest existing prefix of
// path and rejoins any non-existent suffix (for create operations whose
// target does not exist yet).
func resolveCandidate(path string) (string, error) {
	resolved, err := resolveSymlinks(path)
	if err == nil {
		return resolved, nil
	}

	parent := filepath.Dir(path)
	if parent == path {
		return "", err
	}
	resolvedParent, perr := resolveCandidate(parent)
	if perr != nil {
		return "", perr
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}

func splitColonSegment(seg string) (base string, hasColon bool) {
	idx := strings.IndexByte(seg, ':')
	if idx < 0 {
		return seg, false
	}
	return seg[:idx], true
}

// isDriveLetterPrefix reports whether seg looks like a Windows drive
// letter prefix ("C:") rather than an NTFS alternate-data-stream marker.
func isDriveLetterPrefix(seg string) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	return len(seg) == 2 && seg[1] == ':' && isASCIILetter(seg[0])
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isReservedDeviceName(segment string) bool {
	name := segment
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		name = name[:idx]
	}
	_, reserved := reservedDeviceNames[strings.ToUpper(name)]
	return reserved
}

func normalizeCase(path string) string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.ToLower(path)
	}
	return path
}
