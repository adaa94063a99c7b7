package artifact

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/logging"
)

// ConfigArtifact declares a file whose content is rendered from a template.
type ConfigArtifact struct {
	ID           string            `yaml:"id"`
	Path         string            `yaml:"path"`
	Template     string            `yaml:"template,omitempty"`
	TemplateFile string            `yaml:"template_file,omitempty"`
	Values       map[string]string `yaml:"values,omitempty"`
	Mode         os.FileMode       `yaml:"mode,omitempty"`
}

const defaultMode os.FileMode = 0o644

const backupTimeLayout = "20060102_150405"

func ValidateConfigArtifact(a ConfigArtifact) error {
	if a.ID == "" {
		return errors.NewValidationError("artifact id is required", nil)
	}
	if a.Path == "" {
		return errors.NewValidationError("artifact path is required", nil).WithContext("artifact", a.ID)
	}
	if !filepath.IsAbs(a.Path) {
		return errors.NewValidationError("artifact path must be absolute", nil).WithContext("artifact", a.ID).WithContext("path", a.Path)
	}
	if (a.Template == "") == (a.TemplateFile == "") {
		return errors.NewValidationError("exactly one of template and template_file is required", nil).WithContext("artifact", a.ID)
	}
	if a.TemplateFile != "" && !filepath.IsAbs(a.TemplateFile) {
		return errors.NewValidationError("artifact template_file must be absolute", nil).WithContext("artifact", a.ID)
	}
	if a.Mode&^os.ModePerm != 0 {
		return errors.NewValidationError("artifact mode must only contain permission bits", nil).WithContext("artifact", a.ID)
	}
	return nil
}

// Result describes what Ensure did.
type Result struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Written bool   `json:"written"`
	// BackupPath is the copy of the previous content, empty when there was none.
	BackupPath string `json:"backup_path,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

type WriterOptions struct {
	// Values are merged under each artifact's own values.
	Values map[string]string
	DryRun bool
	// Now stamps backup file names; time.Now when nil.
	Now func() time.Time
}

// Writer makes artifact files match their rendered templates.
type Writer struct {
	options WriterOptions
	logger  logging.Logger
}

func NewWriter(options WriterOptions, logger logging.Logger) *Writer {
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Writer{
		options: options,
		logger:  logger,
	}
}

// Render produces the desired content of a. Missing template keys are an error.
func (w *Writer) Render(a ConfigArtifact) ([]byte, error) {
	text := a.Template
	if a.TemplateFile != "" {
		data, err := os.ReadFile(a.TemplateFile)
		if err != nil {
			return nil, errors.NewConfigWriteError("failed to read template file", err).
				WithContext("artifact", a.ID).WithContext("path", a.TemplateFile)
		}
		text = string(data)
	}

	tmpl, err := template.New(a.ID).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, errors.NewConfigWriteError("invalid template", err).WithContext("artifact", a.ID)
	}

	values := make(map[string]string, len(w.options.Values)+len(a.Values))
	for k, v := range w.options.Values {
		values[k] = v
	}
	for k, v := range a.Values {
		values[k] = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return nil, errors.NewConfigWriteError("failed to render template", err).WithContext("artifact", a.ID)
	}
	return buf.Bytes(), nil
}

// Ensure renders a and makes its file hold exactly that content. A file that
// already matches is left untouched. A differing file is copied to
// <path>.backup.<YYYYMMDD_HHMMSS> before being replaced.
func (w *Writer) Ensure(a ConfigArtifact) (Result, error) {
	result := Result{ID: a.ID, Path: a.Path, DryRun: w.options.DryRun}

	desired, err := w.Render(a)
	if err != nil {
		return result, err
	}

	current, err := os.ReadFile(a.Path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return result, errors.NewConfigWriteError("failed to read existing file", err).
			WithContext("artifact", a.ID).WithContext("path", a.Path)
	}

	// an unset mode keeps the permissions of the file being replaced
	mode := a.Mode
	currentMode := defaultMode
	if exists {
		info, err := os.Stat(a.Path)
		if err != nil {
			return result, errors.NewConfigWriteError("failed to stat existing file", err).
				WithContext("artifact", a.ID).WithContext("path", a.Path)
		}
		currentMode = info.Mode().Perm()
	}
	if mode == 0 {
		mode = currentMode
	}

	if exists && bytes.Equal(current, desired) {
		if err := w.ensureMode(a, mode); err != nil {
			return result, err
		}
		w.logger.Debugf("Artifact up to date, artifact: %s, path: %s", a.ID, a.Path)
		return result, nil
	}

	result.Written = true
	if exists {
		result.BackupPath = w.backupPath(a.Path)
	}
	if w.options.DryRun {
		w.logger.Infof("Artifact would change, artifact: %s, path: %s", a.ID, a.Path)
		return result, nil
	}

	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return result, errors.NewConfigWriteError("failed to create parent directory", err).
			WithContext("artifact", a.ID).WithContext("path", a.Path)
	}

	if exists {
		if err := writeAtomic(result.BackupPath, current, currentMode); err != nil {
			return Result{ID: a.ID, Path: a.Path}, errors.NewConfigWriteError("failed to back up existing file", err).
				WithContext("artifact", a.ID).WithContext("path", result.BackupPath)
		}
		w.logger.Infof("Backed up artifact, artifact: %s, backup: %s", a.ID, result.BackupPath)
	}

	if err := writeAtomic(a.Path, desired, mode); err != nil {
		result.Written = false
		return result, errors.NewConfigWriteError("failed to write artifact", err).
			WithContext("artifact", a.ID).WithContext("path", a.Path)
	}

	w.logger.Infof("Wrote artifact, artifact: %s, path: %s, bytes: %d", a.ID, a.Path, len(desired))
	return result, nil
}

func (w *Writer) ensureMode(a ConfigArtifact, mode os.FileMode) error {
	info, err := os.Stat(a.Path)
	if err != nil {
		return errors.NewConfigWriteError("failed to stat artifact", err).WithContext("artifact", a.ID).WithContext("path", a.Path)
	}
	if a.Mode == 0 || info.Mode().Perm() == mode || w.options.DryRun {
		return nil
	}
	if err := os.Chmod(a.Path, mode); err != nil {
		return errors.NewConfigWriteError("failed to set artifact mode", err).WithContext("artifact", a.ID).WithContext("path", a.Path)
	}
	return nil
}

// backupPath picks <path>.backup.<stamp>, adding a counter when two backups
// land in the same second.
func (w *Writer) backupPath(path string) string {
	base := path + ".backup." + w.options.Now().Format(backupTimeLayout)
	candidate := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s.%d", base, i)
	}
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
