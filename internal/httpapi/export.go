package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"stockbook/backend/internal/domain"
	"stockbook/backend/internal/export"
)

type exportFormat struct {
	ext         string
	contentType string
	write       func(io.Writer, domain.ZReport) error
}

var (
	exportCSV  = exportFormat{ext: "csv", contentType: export.ContentTypeCSV, write: export.WriteCSV}
	exportXLSX = exportFormat{ext: "xlsx", contentType: export.ContentTypeXLSX, write: export.WriteXLSX}
)

// writeExport renders the whole file before sending headers so a rendering
// failure can still be reported as JSON.
func writeExport(w http.ResponseWriter, report domain.ZReport, format exportFormat) {
	var buf bytes.Buffer
	if err := format.write(&buf, report); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("export z-report %s: %w", report.ID, err))
		return
	}

	w.Header().Set("Content-Type", format.contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(report, format.ext)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
