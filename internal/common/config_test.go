package common

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/receipts")
	t.Setenv("VLM_TIMEOUT", "")

	cfg := LoadConfig()
	if cfg.VLM.Timeout != 30*time.Second {
		t.Fatalf("expected 30s vlm timeout, got %s", cfg.VLM.Timeout)
	}
	if cfg.VLM.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.VLM.MaxAttempts)
	}
	if cfg.Pipeline.VLMConfidenceThreshold != 0.7 {
		t.Fatalf("expected 0.7 threshold, got %v", cfg.Pipeline.VLMConfidenceThreshold)
	}
	if cfg.OCR.Languages != "deu+eng" {
		t.Fatalf("unexpected languages %q", cfg.OCR.Languages)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with DB_URL should validate: %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DB_URL", "file:test.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("API_KEYS", " k1 , ,k2")
	t.Setenv("VLM_CONFIDENCE_THRESHOLD", "0.55")
	t.Setenv("MAX_UPLOAD_MB", "not-a-number")

	cfg := LoadConfig()
	if got := strings.Join(cfg.Server.APIKeys, "|"); got != "k1|k2" {
		t.Fatalf("unexpected api keys %q", got)
	}
	if cfg.Pipeline.VLMConfidenceThreshold != 0.55 {
		t.Fatalf("expected override 0.55, got %v", cfg.Pipeline.VLMConfidenceThreshold)
	}
	if cfg.Server.MaxUploadMB != 10 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.Server.MaxUploadMB)
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	t.Setenv("DB_URL", "x")
	t.Setenv("DB_DRIVER", "mysql")

	err := LoadConfig().Validate()
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != "CONFIG_ERROR" {
		t.Fatalf("expected CONFIG_ERROR app error, got %v", err)
	}
}

func TestKind(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"CorruptImage":         fmt.Errorf("decode: %w", ErrCorruptImage),
		"UnsupportedFormat":    ErrUnsupportedFormat,
		"MalformedModelOutput": fmt.Errorf("vlm: %w", ErrMalformedModelOutput),
		"TransientRemoteError": ErrTransientRemote,
		"RemoteRejected":       fmt.Errorf("vlm call: %v: %w", errors.New("401"), ErrRemoteRejected),
		"InternalError":        errors.New("boom"),
		"":                     nil,
	}
	for want, err := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
	if !IsInputError(fmt.Errorf("x: %w", ErrCorruptImage)) {
		t.Fatalf("corrupt image must be an input error")
	}
}

func TestValidator(t *testing.T) {
	t.Parallel()

	v := NewValidator().
		Field("file", []byte{}, Required).
		Field("model_override", "gpt 4", ModelID).
		Field("id", "nope", UUID).
		Field("content", make([]byte, 11), MaxBytes(10))
	if len(v.Errors()) != 4 {
		t.Fatalf("expected 4 errors, got %d: %s", len(v.Errors()), v.ErrorMessage())
	}
	if !errors.Is(v.Err(), ErrValidation) {
		t.Fatalf("expected ErrValidation")
	}

	ok := NewValidator().Field("model_override", "openai/gpt-4o-mini", ModelID).Field("currency", "EUR", CurrencyCode)
	if ok.HasErrors() {
		t.Fatalf("unexpected errors: %s", ok.ErrorMessage())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
