package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phuslu/log"
)

// Snapshotter writes diagnostic screenshots. Failures are logged, never returned:
// snapshots do not affect the job outcome.
type Snapshotter struct {
	Dir    string
	Logger *log.Logger
}

// Capture saves a screenshot of p as <Dir>/<job>/<label>_<unix>.png and returns its path.
// <job> is the job id reduced to a single safe path element.
func (s *Snapshotter) Capture(p Page, jobID, label string) string {
	if s == nil || s.Dir == "" || p == nil {
		return ""
	}
	buf, err := p.Screenshot()
	if err != nil {
		s.warn(err, jobID, label)
		return ""
	}
	dir := filepath.Join(s.Dir, dirName(jobID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.warn(err, jobID, label)
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.png", label, time.Now().UnixMilli()))
	if err := os.WriteFile(path, buf, 0644); err != nil {
		s.warn(err, jobID, label)
		return ""
	}
	if s.Logger != nil {
		s.Logger.Debug().Str("job", jobID).Str("path", path).Msg("snapshot saved")
	}
	return path
}

func (s *Snapshotter) warn(err error, jobID, label string) {
	if s.Logger != nil {
		s.Logger.Warn().Err(err).Str("job", jobID).Str("label", label).Msg("snapshot failed")
	}
}

// dirName keeps letters, digits, '-', '_' and '.'; anything else becomes '_'. Names made only
// of dots are prefixed so they cannot climb out of Dir.
func dirName(jobID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, jobID)
	if strings.Trim(name, ".") == "" {
		name = "job_" + strings.ReplaceAll(name, ".", "_")
	}
	return name
}
