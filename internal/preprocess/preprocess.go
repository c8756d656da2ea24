package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
	"github.com/joseph-ayodele/receipts-extractor/internal/runner"
)

type Config struct {
	MaxDimension  int // longest side after resize, default 2048
	PDFDPI        int // rasterization DPI for PDFs, default 200
	JPEGQuality   int // default 85
	Pdftoppm      string
	HeicConverter string // magick | heif-convert | sips

	DenoiseSigma    float64 // gaussian blur sigma; 0 uses the default
	ContrastPercent float64 // passed to imaging.AdjustContrast; 0 uses the default
}

// Preprocessor turns an upload into the grayscale JPEG both extractors read. The same
// input bytes always produce byte-identical output.
type Preprocessor struct {
	cfg    Config
	runner runner.Runner
	logger *slog.Logger
}

func New(cfg Config, r runner.Runner, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		r = runner.Exec{Logger: logger}
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 2048
	}
	if cfg.PDFDPI <= 0 {
		cfg.PDFDPI = 200
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DenoiseSigma <= 0 {
		cfg.DenoiseSigma = 0.6
	}
	if cfg.ContrastPercent == 0 {
		cfg.ContrastPercent = 25
	}
	return &Preprocessor{cfg: cfg, runner: r, logger: logger}
}

// Preprocess decodes, orients, denoises, enhances contrast and bounds the size of one
// page. PDFs contribute their first page only; HEIC goes through an external converter.
func (p *Preprocessor) Preprocess(ctx context.Context, content []byte, declaredMime string) (entity.PreprocessedImage, error) {
	declared := constants.NormalizeMime(declaredMime)
	if !constants.IsSupportedMime(declared) {
		p.logger.Warn("preprocess.unsupported", "mime", declaredMime)
		return entity.PreprocessedImage{}, fmt.Errorf("mime type %q: %w", declaredMime, common.ErrUnsupportedFormat)
	}
	if len(content) == 0 {
		return entity.PreprocessedImage{}, fmt.Errorf("empty upload: %w", common.ErrCorruptImage)
	}

	kind, err := p.contentKind(content, declared)
	if err != nil {
		p.logger.Warn("preprocess.unsupported", "mime", declared, "err", err)
		return entity.PreprocessedImage{}, err
	}

	pages := 1
	raster := content
	switch kind {
	case constants.MimePDF:
		pages = countPDFPages(content)
		if raster, err = p.rasterizePDF(ctx, content); err != nil {
			return entity.PreprocessedImage{}, err
		}
	case constants.MimeHEIC:
		if raster, err = p.convertHEIC(ctx, content); err != nil {
			return entity.PreprocessedImage{}, err
		}
	}

	img, err := imaging.Decode(bytes.NewReader(raster), imaging.AutoOrientation(true))
	if err != nil {
		p.logger.Warn("preprocess.decode.failed", "mime", kind, "err", err)
		return entity.PreprocessedImage{}, fmt.Errorf("decode %s: %v: %w", kind, err, common.ErrCorruptImage)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return entity.PreprocessedImage{}, fmt.Errorf("empty image: %w", common.ErrCorruptImage)
	}

	out := p.enhance(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(p.cfg.JPEGQuality)); err != nil {
		return entity.PreprocessedImage{}, fmt.Errorf("encode jpeg: %w", err)
	}
	ob := out.Bounds()
	p.logger.Debug("preprocess.ok",
		"mime", kind,
		"pages", pages,
		"original_bytes", len(content),
		"processed_bytes", buf.Len(),
		"width", ob.Dx(),
		"height", ob.Dy(),
	)
	return entity.PreprocessedImage{
		JPEG:       buf.Bytes(),
		Width:      ob.Dx(),
		Height:     ob.Dy(),
		SourceMime: kind,
		Pages:      pages,
	}, nil
}

func (p *Preprocessor) enhance(img image.Image) image.Image {
	gray := imaging.Grayscale(img)
	denoised := imaging.Blur(gray, p.cfg.DenoiseSigma)
	contrasted := imaging.AdjustContrast(denoised, p.cfg.ContrastPercent)
	b := contrasted.Bounds()
	if b.Dx() <= p.cfg.MaxDimension && b.Dy() <= p.cfg.MaxDimension {
		return contrasted
	}
	return imaging.Fit(contrasted, p.cfg.MaxDimension, p.cfg.MaxDimension, imaging.Lanczos)
}

var errSniffedUnsupported = errors.New("content is not a supported document")

// contentKind trusts the bytes over the declared type. Recognized but unsupported
// formats (gif, webp, tiff...) are rejected; unrecognized bytes fall through to the
// decoder so garbage surfaces as a corrupt image rather than an unsupported one.
func (p *Preprocessor) contentKind(content []byte, declared string) (string, error) {
	sniffed := mimetype.Detect(content)
	for _, m := range []string{constants.MimeJPEG, constants.MimePNG, constants.MimePDF} {
		if sniffed.Is(m) {
			return m, nil
		}
	}
	if sniffed.Is("image/heic") || sniffed.Is("image/heif") || sniffed.Is("image/heic-sequence") {
		return constants.MimeHEIC, nil
	}
	if isImageFamily(sniffed) {
		return "", fmt.Errorf("%w (%s): %w", errSniffedUnsupported, sniffed.String(), common.ErrUnsupportedFormat)
	}
	return declared, nil
}

func isImageFamily(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") {
			return true
		}
	}
	return false
}
