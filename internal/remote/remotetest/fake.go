// Package remotetest provides a scripted remote.Shell for tests.
package remotetest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Reply is the canned result of one command.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

type rule struct {
	prefix  string
	replies []Reply
}

// Shell records every command it receives and answers from rules matched by
// substring. When a rule holds several replies they are consumed in order and
// the last one repeats.
type Shell struct {
	mu      sync.Mutex
	rules   []*rule
	cmds    []string
	files   map[string][]byte
	uploads map[string][]byte
}

func New() *Shell {
	return &Shell{files: map[string][]byte{}, uploads: map[string][]byte{}}
}

// On registers replies for commands containing substr. Earlier rules win.
func (s *Shell) On(substr string, replies ...Reply) *Shell {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(replies) == 0 {
		replies = []Reply{{}}
	}
	s.rules = append(s.rules, &rule{prefix: substr, replies: replies})
	return s
}

// SetFile makes path readable through ReadFile, ReadFrom and Download.
func (s *Shell) SetFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
}

// AppendFile grows a file, as a running job appends to its log.
func (s *Shell) AppendFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append(s.files[path], data...)
}

// Commands returns every command seen by Run and Stream, in order.
func (s *Shell) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

// Ran reports whether any command contained substr.
func (s *Shell) Ran(substr string) bool {
	for _, c := range s.Commands() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// Count returns how many commands contained substr.
func (s *Shell) Count(substr string) int {
	n := 0
	for _, c := range s.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Uploaded returns the bytes last uploaded to remotePath.
func (s *Shell) Uploaded(remotePath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.uploads[remotePath]
	return data, ok
}

func (s *Shell) reply(cmd string) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	for _, r := range s.rules {
		if !strings.Contains(cmd, r.prefix) {
			continue
		}
		rep := r.replies[0]
		if len(r.replies) > 1 {
			r.replies = r.replies[1:]
		}
		return rep
	}
	return Reply{}
}

func (s *Shell) Run(ctx context.Context, cmd string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	r := s.reply(cmd)
	return r.Stdout, r.Stderr, r.Err
}

func (s *Shell) Stream(ctx context.Context, cmd string, w io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 1, err
	}
	r := s.reply(cmd)
	if w != nil {
		_, _ = io.WriteString(w, r.Stdout+r.Stderr)
	}
	return r.ExitCode, r.Err
}

func (s *Shell) Upload(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[remotePath] = data
	s.files[remotePath] = data
	return nil
}

func (s *Shell) Download(_ context.Context, remotePath, localPath string) error {
	s.mu.Lock()
	data, ok := s.files[remotePath]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such remote file: %s", remotePath)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *Shell) ReadFile(_ context.Context, remotePath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[remotePath]
	if !ok {
		return fmt.Sprintf("[remote.ReadFile] file %s does not exist or is not readable: not found", remotePath)
	}
	return string(data)
}

func (s *Shell) ReadFrom(_ context.Context, remotePath string, offset int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("no such remote file: %s", remotePath)
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	return append([]byte(nil), data[offset:]...), nil
}
