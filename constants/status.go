package constants

// Status is the terminal outcome stored on every extraction record.
type Status string

// Stable values (store these exact strings in DB).
const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial" // some fields missing, no hard error
	StatusFailed  Status = "failed"  // input error or both paths failed
)

// Method names the strategy that produced the returned result.
type Method string

const (
	MethodVLM Method = "vlm"
	MethodOCR Method = "ocr"
)
