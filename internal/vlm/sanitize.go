package vlm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-extractor/constants"
	"github.com/joseph-ayodele/receipts-extractor/internal/common"
	"github.com/joseph-ayodele/receipts-extractor/internal/entity"
)

// parsed is a model answer that passed the schema.
type parsed struct {
	Result     entity.ExtractionResult
	Reported   *float64 // model's self-reported confidence, if any
	Normalized []string // what the lenient pass had to fix; empty means parsed cleanly
}

var knownKeys = map[string]struct{}{
	"vendor": {}, "date": {}, "total_amount": {}, "currency": {}, "tax_amount": {},
	"tax_rate": {}, "line_items": {}, "payment_method": {}, "receipt_number": {},
	"category": {}, "confidence": {},
}

// parseModelOutput turns the model's message content into a result. Quirks are fixed
// leniently first (fenced JSON, string or comma-decimal numbers, lower-case currency,
// broken line items, unknown keys); whatever still breaks the schema is
// ErrMalformedModelOutput.
func parseModelOutput(content string) (parsed, error) {
	body, fenced := unfence(content)

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return parsed{}, fmt.Errorf("decode model json: %v: %w", err, common.ErrMalformedModelOutput)
	}
	if doc == nil {
		return parsed{}, fmt.Errorf("model returned null: %w", common.ErrMalformedModelOutput)
	}

	var notes []string
	if fenced {
		notes = append(notes, "unfenced")
	}
	notes = append(notes, normalizeDoc(doc)...)

	if err := validateDoc(any(doc)); err != nil {
		return parsed{}, fmt.Errorf("%v: %w", err, common.ErrMalformedModelOutput)
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return parsed{}, fmt.Errorf("re-encode: %w", err)
	}
	var wire struct {
		entity.ExtractionResult
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return parsed{}, fmt.Errorf("decode result: %v: %w", err, common.ErrMalformedModelOutput)
	}
	res := wire.ExtractionResult
	if c, ok := constants.Canonicalize(string(res.Category)); ok {
		res.Category = c
	} else {
		res.Category = ""
	}
	return parsed{Result: res, Reported: wire.Confidence, Normalized: notes}, nil
}

// unfence strips markdown code fences or prose around the outermost JSON object.
func unfence(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
		return t, false
	}
	i, j := strings.IndexByte(t, '{'), strings.LastIndexByte(t, '}')
	if i < 0 || j <= i {
		return t, false
	}
	return t[i : j+1], true
}

func normalizeDoc(doc map[string]any) []string {
	var notes []string
	for k := range doc {
		if _, ok := knownKeys[k]; !ok {
			delete(doc, k)
			notes = append(notes, k+"(unknown)")
		}
	}

	for _, k := range []string{"total_amount", "tax_amount", "tax_rate", "confidence"} {
		v, ok := doc[k]
		if !ok || v == nil {
			continue
		}
		n, changed, valid := coerceNumber(v)
		switch {
		case !valid:
			doc[k] = nil
			notes = append(notes, k+"(unparseable)")
		case changed:
			doc[k] = n
			notes = append(notes, k+"(coerced)")
		}
	}

	for _, k := range []string{"vendor", "date", "currency", "payment_method", "receipt_number", "category"} {
		s, ok := doc[k].(string)
		if !ok {
			continue
		}
		t := strings.TrimSpace(s)
		if k == "currency" {
			t = strings.ToUpper(t)
		}
		if t == "" {
			doc[k] = nil
		} else {
			doc[k] = t
		}
		if t != s {
			notes = append(notes, k+"(trimmed)")
		}
	}

	if d, ok := doc["date"].(string); ok {
		iso, valid := normalizeDate(d)
		switch {
		case !valid:
			doc["date"] = nil
			notes = append(notes, "date(unparseable)")
		case iso != d:
			doc["date"] = iso
			notes = append(notes, "date(reformatted)")
		}
	}

	if items, ok := doc["line_items"]; ok {
		switch list := items.(type) {
		case nil:
			doc["line_items"] = []any{}
		case []any:
			kept := make([]any, 0, len(list))
			for _, it := range list {
				if item, ok := normalizeItem(it); ok {
					kept = append(kept, item)
				}
			}
			if len(kept) != len(list) {
				notes = append(notes, fmt.Sprintf("line_items(dropped %d)", len(list)-len(kept)))
			}
			doc["line_items"] = kept
		default:
			doc["line_items"] = []any{}
			notes = append(notes, "line_items(type)")
		}
	}
	return notes
}

func normalizeItem(v any) (map[string]any, bool) {
	item, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	total, _, valid := coerceNumber(item["total"])
	if !valid || total.String() == "" {
		return nil, false
	}
	out := map[string]any{"total": total}
	desc, _ := item["description"].(string)
	if desc = strings.TrimSpace(desc); desc == "" {
		desc = "Unknown"
	}
	out["description"] = desc
	for _, k := range []string{"quantity", "unit_price"} {
		if n, _, ok := coerceNumber(item[k]); ok && n != "" {
			out[k] = n
		} else {
			out[k] = nil
		}
	}
	return out, true
}

var reDayFirst = regexp.MustCompile(`^(\d{1,2})[./](\d{1,2})[./](\d{4})$`)

// normalizeDate accepts ISO dates and day-first dotted or slashed dates.
func normalizeDate(s string) (string, bool) {
	if _, err := time.Parse(entity.DateLayout, s); err == nil {
		return s, true
	}
	if m := reDayFirst.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[3])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[1])
		iso := fmt.Sprintf("%04d-%02d-%02d", y, mo, d)
		if _, err := time.Parse(entity.DateLayout, iso); err == nil {
			return iso, true
		}
	}
	return "", false
}

// coerceNumber accepts JSON numbers and numeric strings ("47,83", " 12.5 ").
// changed reports a string input; valid is false for anything unparseable.
func coerceNumber(v any) (n json.Number, changed, valid bool) {
	switch t := v.(type) {
	case json.Number:
		return t, false, true
	case string:
		s := strings.TrimSpace(t)
		s = strings.TrimSpace(strings.TrimLeft(s, "€$£"))
		s = strings.TrimSpace(strings.TrimRight(s, "€$£%"))
		if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return "", false, false
		}
		return json.Number(d.String()), true, true
	default:
		return "", false, false
	}
}

// compactRaw keeps the stored raw output small and single-line when it is JSON.
func compactRaw(content string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(strings.TrimSpace(content))); err != nil {
		return content
	}
	return buf.String()
}
