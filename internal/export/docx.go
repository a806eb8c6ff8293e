package export

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const docxMimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// exportDOCX renders the report HTML to DOCX by piping it through pandoc.
func exportDOCX(html string, title string) (*Result, error) {
	if _, err := exec.LookPath("pandoc"); err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	cmd := exec.Command("pandoc", "-f", "html", "-t", "docx", "--standalone", "-o", "-")
	cmd.Stdin = strings.NewReader(html)

	data, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc failed: %s", exitErr.Stderr)
		}
		return nil, fmt.Errorf("run pandoc: %w", err)
	}

	return &Result{
		Data:     data,
		Filename: sanitizeFilename(title) + ".docx",
		MimeType: docxMimeType,
	}, nil
}
