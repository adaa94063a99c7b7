package processfile

import (
	"io"
	"os"
	"strings"

	"github.com/cai-cerberus/bootseq/pkg/errors"
)

const tailWindow = 64 * 1024

// TailLogFile returns up to the last n lines of a log file. Only the final
// 64KiB are read, so very long lines may be cut. n <= 0 returns the whole window.
func TailLogFile(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("log file does not exist", err).WithContext("log_file", path)
		}
		return "", errors.NewIOError("failed to open log file", err).WithContext("log_file", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.NewIOError("failed to stat log file", err).WithContext("log_file", path)
	}
	offset := info.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", errors.NewIOError("failed to seek log file", err).WithContext("log_file", path)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", errors.NewIOError("failed to read log file", err).WithContext("log_file", path)
	}

	text := strings.TrimRight(string(data), "\n")
	if offset > 0 {
		// drop the partial first line
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
	}
	if text == "" {
		return "", nil
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
