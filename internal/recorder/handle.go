package recorder

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Handle is a playable reference to a captured clip. Release must be safe to
// call more than once.
type Handle interface {
	Location() string
	Release() error
}

// HandleFactory creates playable handles for finished clips.
type HandleFactory interface {
	NewHandle(clip Clip) (Handle, error)
}

// TempFiles writes each clip to a temporary file that is removed on release.
type TempFiles struct {
	Dir string
}

// NewHandle implements HandleFactory.
func (t TempFiles) NewHandle(clip Clip) (Handle, error) {
	f, err := os.CreateTemp(t.Dir, "gradocerrado_clip_*"+extensionFor(clip.MIMEType))
	if err != nil {
		return nil, fmt.Errorf("create clip file: %w", err)
	}
	if _, err := f.Write(clip.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write clip file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("close clip file: %w", err)
	}
	return &fileHandle{path: f.Name()}, nil
}

type fileHandle struct {
	path string
	once sync.Once
	err  error
}

func (h *fileHandle) Location() string { return h.path }

func (h *fileHandle) Release() error {
	h.once.Do(func() {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			h.err = err
		}
	})
	return h.err
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(strings.ToLower(base)) {
	case "audio/webm":
		return ".webm"
	case "audio/mp4":
		return ".m4a"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}
