package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/vigiasec/scanpipe/pkg/errors"
)

// PDFRenderer converts the Markdown report into a PDF rendition.
// Conversion is lazy: the server only invokes it on the first
// download request for a scan.
type PDFRenderer interface {
	Render(ctx context.Context, markdown []byte) ([]byte, error)
}

// CommandRenderer shells out to an external converter (pandoc by
// default). The command receives the Markdown on a temp file and
// must write the PDF to the output path placeholder.
type CommandRenderer struct {
	// Command is the converter binary. Default: pandoc.
	Command string

	// Args are the converter arguments. The placeholders {input} and
	// {output} are substituted with the temp file paths.
	Args []string
}

// NewCommandRenderer creates a pandoc-based renderer.
func NewCommandRenderer(command string, args []string) *CommandRenderer {
	if command == "" {
		command = "pandoc"
	}
	if len(args) == 0 {
		args = []string{"{input}", "-o", "{output}"}
	}
	return &CommandRenderer{Command: command, Args: args}
}

// Render writes the markdown to a temp file, runs the converter, and
// returns the produced PDF bytes.
func (r *CommandRenderer) Render(ctx context.Context, markdown []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "scanpipe-pdf-*")
	if err != nil {
		return nil, errors.E(errors.KindInternal, "report.Render", "create temp dir", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "report.md")
	output := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(input, markdown, 0o644); err != nil {
		return nil, errors.E(errors.KindInternal, "report.Render", "write markdown", err)
	}

	args := make([]string, len(r.Args))
	for i, a := range r.Args {
		switch a {
		case "{input}":
			args[i] = input
		case "{output}":
			args[i] = output
		default:
			args[i] = a
		}
	}

	cmd := exec.CommandContext(ctx, r.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.E(errors.KindExternal, "report.Render",
			fmt.Sprintf("%s failed: %s", r.Command, stderr.String()), err)
	}

	pdf, err := os.ReadFile(output)
	if err != nil {
		return nil, errors.E(errors.KindExternal, "report.Render", "converter produced no output", err)
	}
	return pdf, nil
}

var _ PDFRenderer = (*CommandRenderer)(nil)
