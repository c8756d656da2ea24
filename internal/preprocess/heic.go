package preprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
)

// convertHEIC converts HEIC/HEIF bytes to PNG using the configured converter:
// "heif-convert" | "magick" | "sips". The converters only work on files, so the
// round trip goes through a private temp dir.
func (p *Preprocessor) convertHEIC(ctx context.Context, content []byte) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "rx-heic-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			p.logger.Warn("preprocess.heic.cleanup_failed", "dir", tmpDir, "err", err)
		}
	}()

	in := filepath.Join(tmpDir, "upload.heic")
	out := filepath.Join(tmpDir, "page.png")
	if err := os.WriteFile(in, content, 0o600); err != nil {
		return nil, err
	}

	var name string
	var args []string
	switch p.cfg.HeicConverter {
	case "heif-convert":
		name, args = "heif-convert", []string{in, out}
	case "magick", "":
		name, args = "magick", []string{in, out}
	case "sips":
		name, args = "sips", []string{"-s", "format", "png", in, "--out", out}
	default:
		return nil, fmt.Errorf("heic converter %q (want heif-convert | magick | sips): %w",
			p.cfg.HeicConverter, common.ErrUnsupportedFormat)
	}
	if _, errb, err := p.runner.Run(ctx, nil, name, args...); err != nil {
		p.logger.Warn("preprocess.heic.failed", "converter", name, "err", err, "stderr", string(errb))
		return nil, fmt.Errorf("%s convert: %v: %w", name, err, common.ErrCorruptImage)
	}

	png, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("heic conversion produced no output: %v: %w", err, common.ErrCorruptImage)
	}
	return png, nil
}
