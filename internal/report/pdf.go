package report

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/ventlog/internal/devlog"
)

const (
	maxEventRows = 500
	qrImageName  = "bundle-digest"
)

var recordTypeOrder = []devlog.RecordType{
	devlog.SysLogPrimary,
	devlog.SysLogSecondary,
	devlog.DeviceConfig,
	devlog.UsageMonitor,
	devlog.CrashLog,
}

// page bundles the document with the text translator of its core font.
type page struct {
	pdf *gofpdf.Fpdf
	enc func(string) string
	ctx Context
}

// SaveUsagePDF renders the combined log of ctx as a usage report.
func SaveUsagePDF(ctx Context, out string) error {
	if ctx.Log == nil {
		return fmt.Errorf("report: no combined log")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	title := ctx.Tr.T("title")
	pdf.SetTitle(title, true)
	pdf.SetAuthor("ventlogctl", false)
	pdf.SetCreator("ventlogctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	p := &page{pdf: pdf, enc: pdf.UnicodeTranslatorFromDescriptor(""), ctx: ctx}
	p.title(title)
	p.digestQR()
	p.summary()
	p.integrity()
	p.events()
	p.usage()
	p.crashes()

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func (p *page) heading(key string) {
	p.pdf.SetFont("Helvetica", "B", 12)
	p.pdf.Cell(0, 8, p.enc(p.ctx.Tr.T(key)))
	p.pdf.Ln(9)
}

func (p *page) title(title string) {
	p.pdf.SetFont("Helvetica", "B", 18)
	p.pdf.Cell(0, 10, p.enc(title))
	p.pdf.Ln(12)
}

// digestQR places the bundle digest QR in the top right corner.
func (p *page) digestQR() {
	png, err := DigestToQR(p.ctx.Log.Digest, 256)
	if err != nil {
		return
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
	p.pdf.RegisterImageOptionsReader(qrImageName, opts, bytes.NewReader(png))
	pageW, _ := p.pdf.GetPageSize()
	_, _, right, _ := p.pdf.GetMargins()
	p.pdf.ImageOptions(qrImageName, pageW-right-28, 12, 28, 28, false, opts, 0, "")
}

func (p *page) summary() {
	p.heading("summary")
	log := p.ctx.Log
	tr := p.ctx.Tr
	definition := tr.T("none")
	if log.Resolution != nil {
		definition = log.Resolution.Version
	}
	fence := tr.T("none")
	if log.Stats.FenceFound {
		fence = formatMs(log.Stats.FenceTimeMs)
	}
	items := []struct {
		label string
		value string
	}{
		{label: "build_id", value: log.ID},
		{label: "created", value: log.CreatedAt.Format(time.RFC3339)},
		{label: "digest", value: emptyFallback(log.Digest, "-")},
		{label: "software_version", value: emptyFallback(log.SoftwareVersion, "-")},
		{label: "definition_version", value: definition},
		{label: "rule_set", value: emptyFallback(log.RuleSet, "-")},
		{label: "records", value: strconv.Itoa(len(log.Records))},
		{label: "crc_failures", value: strconv.Itoa(log.Stats.Integrity[devlog.IntegrityFail])},
		{label: "resets", value: strconv.Itoa(log.Stats.Resets)},
		{label: "time_changes", value: strconv.Itoa(log.Stats.TimeChanges)},
		{label: "fence", value: fence},
		{label: "dropped", value: strconv.Itoa(log.Stats.Dropped)},
		{label: "structural_errors", value: strconv.Itoa(log.Stats.StructuralErrors)},
		{label: "errors", value: strconv.Itoa(p.ctx.Diagnostics.Errors)},
		{label: "warnings", value: strconv.Itoa(p.ctx.Diagnostics.Warnings)},
	}
	p.pdf.SetFont("Helvetica", "", 10)
	for _, item := range items {
		p.pdf.CellFormat(55, 6, p.enc(tr.T(item.label)), "", 0, "L", false, 0, "")
		p.pdf.CellFormat(0, 6, p.enc(item.value), "", 1, "L", false, 0, "")
	}
	p.pdf.Ln(4)
}

type integrityRow struct {
	pass, fail, na int
}

func (p *page) integrity() {
	p.heading("integrity")
	counts := make(map[devlog.RecordType]*integrityRow)
	for _, rec := range p.ctx.Log.Records {
		row := counts[rec.Type]
		if row == nil {
			row = &integrityRow{}
			counts[rec.Type] = row
		}
		switch rec.Integrity {
		case devlog.IntegrityPass:
			row.pass++
		case devlog.IntegrityFail:
			row.fail++
		default:
			row.na++
		}
	}
	tr := p.ctx.Tr
	widths := []float64{60, 40, 40, 40}
	p.tableHeader(widths, tr.T("type"), tr.T("pass"), tr.T("fail"), tr.T("na"))
	for _, typ := range recordTypeOrder {
		row := counts[typ]
		if row == nil {
			continue
		}
		p.tableRow(widths, tr.SourceLabel(typ), strconv.Itoa(row.pass), strconv.Itoa(row.fail), strconv.Itoa(row.na))
	}
	p.pdf.Ln(4)
}

func (p *page) events() {
	p.heading("events")
	tr := p.ctx.Tr
	var rows [][]string
	for _, rec := range p.ctx.Log.Records {
		if rec.SysLog == nil || rec.SysLog.Event == "" {
			continue
		}
		msg := rec.SysLog.Message
		if rec.SysLog.Name != "" {
			msg = rec.SysLog.Name + ": " + msg
		}
		if na := inapplicable(rec.Applicable); na != "" {
			msg += " [n/a: " + na + "]"
		}
		rows = append(rows, []string{formatMs(rec.SyntheticTimeMs), tr.EventLabel(rec.SysLog.Event), msg})
		if len(rows) == maxEventRows {
			break
		}
	}
	if len(rows) == 0 {
		p.note("no_events")
		return
	}
	widths := []float64{42, 36, 102}
	p.tableHeader(widths, tr.T("time"), tr.T("event"), tr.T("message"))
	for _, r := range rows {
		p.tableRow(widths, r...)
	}
	p.pdf.Ln(4)
}

func (p *page) usage() {
	p.heading("usage")
	var rows [][]string
	for _, rec := range p.ctx.Log.Records {
		if rec.Usage == nil {
			continue
		}
		label := rec.Usage.Key
		if label == "" {
			label = string(rec.Usage.Kind)
		}
		var value string
		switch rec.Usage.Kind {
		case devlog.UsageVersion:
			value = rec.Usage.Version
		case devlog.UsageTicks:
			value = fmt.Sprintf("%.2f h / %d", rec.Usage.Hours, rec.Usage.Ticks)
		default:
			value = fmt.Sprintf("%.2f h", rec.Usage.Hours)
		}
		rows = append(rows, []string{label, value, p.ctx.Tr.IntegrityLabel(rec.Integrity)})
	}
	if len(rows) == 0 {
		p.note("no_usage")
		return
	}
	tr := p.ctx.Tr
	widths := []float64{70, 70, 40}
	p.tableHeader(widths, tr.T("counter"), tr.T("value"), tr.T("integrity"))
	for _, r := range rows {
		p.tableRow(widths, r...)
	}
	p.pdf.Ln(4)
}

func (p *page) crashes() {
	p.heading("crash")
	var rows [][]string
	for _, rec := range p.ctx.Log.Records {
		if rec.Crash == nil {
			continue
		}
		loc := fmt.Sprintf("%s:%d", rec.Crash.File, rec.Crash.Line)
		rows = append(rows, []string{formatMs(rec.SyntheticTimeMs), rec.Crash.Expression, loc, strconv.Itoa(int(rec.Crash.Value))})
	}
	if len(rows) == 0 {
		p.note("no_crash")
		return
	}
	tr := p.ctx.Tr
	widths := []float64{42, 68, 50, 20}
	p.tableHeader(widths, tr.T("time"), tr.T("expression"), tr.T("location"), tr.T("value"))
	for _, r := range rows {
		p.tableRow(widths, r...)
	}
}

func (p *page) note(key string) {
	p.pdf.SetFont("Helvetica", "", 10)
	p.pdf.MultiCell(0, 6, p.enc(p.ctx.Tr.T(key)), "", "L", false)
	p.pdf.Ln(2)
}

func (p *page) tableHeader(widths []float64, headers ...string) {
	p.pdf.SetFillColor(240, 240, 240)
	p.pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		p.pdf.CellFormat(widths[i], 7, p.enc(h), "1", 0, "L", true, 0, "")
	}
	p.pdf.Ln(-1)
	p.pdf.SetFont("Helvetica", "", 9)
}

func (p *page) tableRow(widths []float64, values ...string) {
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = p.enc(v)
	}
	renderTableRow(p.pdf, widths, encoded, 5)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	_, pageH := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	if yStart+rowHeight > pageH-bottom {
		pdf.AddPage()
		xStart, yStart = pdf.GetX(), pdf.GetY()
	}
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

// inapplicable lists the parameters of a record that did not apply.
func inapplicable(flags map[string]bool) string {
	var out []string
	for k, ok := range flags {
		if !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05.000")
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
