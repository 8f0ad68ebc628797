package progress

import (
	"encoding/json"
	"math"
	"strings"
)

// TypeUploadProgress is the event type the device emits while receiving a file.
const TypeUploadProgress = "upload_progress"

// Update is one structured event from the device.
type Update struct {
	Type   string
	Loaded int64
	Total  int64
}

type wireUpdate struct {
	Type   string      `json:"type"`
	Loaded json.Number `json:"loaded"`
	Total  json.Number `json:"total"`
}

// ParseUpdate decodes a progress payload. Non-JSON payloads and payloads without
// a type are rejected. Loaded and total may be numbers or numeric strings.
func ParseUpdate(text string) (Update, bool) {
	var w wireUpdate
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return Update{}, false
	}
	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return Update{}, false
	}

	return Update{
		Type:   typ,
		Loaded: numberValue(w.Loaded),
		Total:  numberValue(w.Total),
	}, true
}

func (u Update) IsUploadProgress() bool {
	return u.Type == TypeUploadProgress
}

// Percent is round(loaded/total*100) clamped to [0, 100]; an unknown total gives 0.
func (u Update) Percent() int {
	if u.Total <= 0 || u.Loaded <= 0 {
		return 0
	}
	p := int(math.Round(float64(u.Loaded) / float64(u.Total) * 100))

	return min(p, 100)
}

func numberValue(n json.Number) int64 {
	if n == "" {
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	if f, err := n.Float64(); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int64(f)
	}

	return 0
}
