package preprocess

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/runner"
)

var rePDFPage = regexp.MustCompile(`/Type\s*/Page[^s]`)

// countPDFPages is a cheap page count from the raw object stream. It undercounts
// PDFs with compressed object streams, which only affects the multi-page warning.
func countPDFPages(content []byte) int {
	n := len(rePDFPage.FindAllIndex(content, -1))
	if n == 0 {
		return 1
	}
	return n
}

// rasterizePDF renders page one to PNG through pdftoppm, feeding the PDF on stdin.
func (p *Preprocessor) rasterizePDF(ctx context.Context, content []byte) ([]byte, error) {
	// pdftoppm -f 1 -l 1 -r <dpi> -png -singlefile - (no output root: PNG on stdout)
	out, errb, err := p.runner.Run(ctx, content, p.cfg.Pdftoppm,
		"-f", "1", "-l", "1",
		"-r", strconv.Itoa(p.cfg.PDFDPI),
		"-png", "-singlefile", "-",
	)
	if err != nil {
		p.logger.Warn("preprocess.pdf.failed", "err", err, "stderr", runner.Truncate(string(errb), 512))
		return nil, fmt.Errorf("rasterize pdf: %v: %w", err, common.ErrCorruptImage)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no image: %w", common.ErrCorruptImage)
	}
	return out, nil
}
