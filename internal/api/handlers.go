package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "receipts-extractor", "version": s.cfg.Version})
}

// extract accepts a multipart "file" upload and answers with the extraction record.
// Failed extractions are still 200 with status "failed"; only malformed requests are 4xx.
func (s *Server) extract(c *gin.Context) {
	maxBytes := int64(s.cfg.MaxUploadMB) << 20
	// leave room for multipart framing around the file
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("file too large; max %d MB", s.cfg.MaxUploadMB))
			return
		}
		abort(c, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	if fh.Size > maxBytes {
		abort(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("file too large; max %d MB", s.cfg.MaxUploadMB))
		return
	}

	mime := declaredMime(fh)
	if !constants.IsSupportedMime(mime) {
		abort(c, http.StatusBadRequest, fmt.Sprintf("unsupported file type %q; accepted: image/jpeg, image/png, image/heic, application/pdf", mime))
		return
	}

	forceOCR := false
	if v := c.Query("force_ocr"); v != "" {
		if forceOCR, err = strconv.ParseBool(v); err != nil {
			abort(c, http.StatusBadRequest, "force_ocr must be a boolean")
			return
		}
	}
	override := c.Query("model_override")

	content, err := readUpload(fh)
	if err != nil {
		abort(c, http.StatusBadRequest, "could not read upload")
		return
	}

	v := common.NewValidator().
		Field("file", content, common.Required, common.MaxBytes(int(maxBytes))).
		Field("model_override", override, common.ModelID)
	if v.HasErrors() {
		abort(c, http.StatusBadRequest, v.ErrorMessage())
		return
	}

	req := entity.NewExtractionRequest(content, mime, fh.Filename)
	req.ForceOCR = forceOCR
	req.ModelOverride = override
	req.APIKeyPrefix = c.GetString(ctxKeyPrefix)

	rec := s.deps.Extractor.Process(c.Request.Context(), req)
	c.JSON(http.StatusOK, rec)
}

// declaredMime trusts the part's Content-Type unless it is missing or generic, in
// which case the file extension decides.
func declaredMime(fh *multipart.FileHeader) string {
	m := constants.NormalizeMime(fh.Header.Get("Content-Type"))
	if m == "" || m == "application/octet-stream" {
		if byExt := constants.MimeForExt(filepath.Ext(fh.Filename)); byExt != "" {
			return byExt
		}
	}
	return m
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (s *Server) getResult(c *gin.Context) {
	if err := common.NewValidator().Field("id", c.Param("id"), common.UUID).Err(); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.deps.Records.Get(c.Request.Context(), uuid.MustParse(c.Param("id")))
	switch {
	case errors.Is(err, common.ErrNotFound):
		abort(c, http.StatusNotFound, "result not found")
		return
	case err != nil:
		s.logger.Error("http.results.failed", "id", c.Param("id"), "err", err)
		abort(c, http.StatusInternalServerError, "could not load result")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) costs(c *gin.Context) {
	sum, err := s.deps.Costs.Summary(c.Request.Context())
	if err != nil {
		s.logger.Error("http.costs.failed", "err", err)
		abort(c, http.StatusInternalServerError, "could not read budget")
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.deps.Models.Models()})
}

func (s *Server) exportXLSX(c *gin.Context) {
	from, err := dateQuery(c, "from")
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	to, err := dateQuery(c, "to")
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.deps.Export.ExportXLSX(c.Request.Context(), from, to)
	if err != nil {
		s.logger.Error("http.export.failed", "err", err)
		abort(c, http.StatusInternalServerError, "export failed")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", b)
}

func dateQuery(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(entity.DateLayout, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD", name)
	}
	return &t, nil
}
