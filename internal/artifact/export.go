package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Export writes r as <dir>/sensorsim-<timestamp>.json (the raw status) and a
// matching .pdf report. It returns the common path prefix.
func Export(dir string, r Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}

	jsonData, err := json.MarshalIndent(r.Status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status: %w", err)
	}
	var pdf bytes.Buffer
	if err := GeneratePDF(&pdf, r); err != nil {
		return "", fmt.Errorf("generate PDF: %w", err)
	}

	base := filepath.Join(dir, "sensorsim-"+r.Status.Time.UTC().Format("20060102T150405Z"))
	if err := os.WriteFile(base+".json", jsonData, 0644); err != nil {
		return "", fmt.Errorf("write JSON: %w", err)
	}
	if err := os.WriteFile(base+".pdf", pdf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write PDF: %w", err)
	}
	return base, nil
}
