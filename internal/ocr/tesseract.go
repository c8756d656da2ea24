package ocr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/receipts-extractor/internal/runner"
)

func (e *Extractor) baseArgs() []string {
	// tesseract stdin stdout -l <lang>: the page is piped in, text comes back on stdout
	args := []string{"stdin", "stdout", "-l", e.cfg.Languages}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.cfg.PSM))
	}
	if e.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(e.cfg.OEM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	return args
}

func (e *Extractor) recognize(ctx context.Context, jpeg []byte) (string, []string, error) {
	out, errb, err := e.runner.Run(ctx, jpeg, e.cfg.Tesseract, e.baseArgs()...)
	if err != nil {
		return "", []string{runner.Truncate(string(errb), 1024)}, fmt.Errorf("tesseract: %w", err)
	}
	return reBoxNoise.ReplaceAllString(string(out), ""), nil, nil
}

// meanWordConfidence runs tesseract in TSV mode and returns the mean word conf in 0..1.
func (e *Extractor) meanWordConfidence(ctx context.Context, jpeg []byte) (float64, error) {
	args := append(e.baseArgs(), "tsv")
	out, errb, err := e.runner.Run(ctx, jpeg, e.cfg.Tesseract, args...)
	if err != nil {
		return 0, fmt.Errorf("tesseract tsv: %w (%s)", err, runner.Truncate(string(errb), 256))
	}
	return parseTSVConfidence(string(out)), nil
}

// parseTSVConfidence averages the conf column over word rows, skipping the
// header and the -1 rows tesseract emits for blocks and lines.
func parseTSVConfidence(tsv string) float64 {
	var sum, n float64
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		c := strings.TrimSpace(cols[10])
		if c == "" || c == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(c, 64); err == nil && v >= 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n / 100
}
