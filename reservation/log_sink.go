package reservation

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirectoryLogSink stores captured worker logs as one file per pod under a
// local artifact directory.
type DirectoryLogSink struct {
	dir string
}

func NewDirectoryLogSink(dir string) (*DirectoryLogSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log sink directory %s: %w", dir, err)
	}
	return &DirectoryLogSink{dir: dir}, nil
}

func (s *DirectoryLogSink) Save(podName, content string) error {
	path := filepath.Join(s.dir, podName+".log")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing worker log %s: %w", path, err)
	}
	return nil
}

// DiscardLogSink drops captured logs; useful when no artifact store is wired.
type DiscardLogSink struct{}

func (DiscardLogSink) Save(string, string) error { return nil }
