// Package archive builds downloadable case archives and purges case
// artifacts from object storage once the retention window has passed.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/metrics"
	"github.com/lexbridge/casepay/internal/traces"
)

// fetchConcurrency bounds parallel object reads while building an archive.
const fetchConcurrency = 4

// Result describes a generated archive.
type Result struct {
	Key       string    `json:"key"`
	ReadyAt   time.Time `json:"readyAt"`
	SizeBytes int64     `json:"sizeBytes"`
	FileCount int       `json:"fileCount"`
}

// ArchiveKey is the stable object key for a case archive. Regenerating
// overwrites the same key.
func ArchiveKey(caseID string) string {
	return cases.StoragePrefix(caseID) + "archive/case-" + caseID + "-v1.zip"
}

var summaryTmpl = template.Must(template.New("summary").Parse(`Case {{.Case.ID}}
Title:      {{.Case.Title}}
Status:     {{.Case.Status}}
Attorney:   {{.Case.AttorneyID}}
Paralegal:  {{if .Case.ParalegalID}}{{.Case.ParalegalID}}{{else}}-{{end}}
Escrow:     {{.Case.EscrowStatus}} ({{.Case.HeldAmountCents}} {{.Case.Currency}} cents)
Created:    {{.Case.CreatedAt.Format "2006-01-02 15:04 MST"}}
Generated:  {{.GeneratedAt.Format "2006-01-02 15:04 MST"}}
{{with .Case.DisputeSettlement}}
Settlement: {{.Action}} payout={{.PayoutAmountCents}} fee={{.FeeAmountCents}} refund={{.RefundAmountCents}}
{{end}}
Disputes ({{len .Case.Disputes}}):
{{range .Case.Disputes}}  - {{.ID}} [{{.Status}}] by {{.RaisedBy}}: {{.Message}}
{{else}}  none
{{end}}
Files ({{len .Case.Files}}):
{{range .Case.Files}}  - {{.Name}} ({{.SizeBytes}} bytes, uploaded by {{.UploadedBy}})
{{else}}  none
{{end}}
Messages ({{len .Messages}}):
{{range .Messages}}  [{{.SentAt.Format "2006-01-02 15:04"}}] {{.Sender}}: {{.Body}}
{{else}}  none
{{end}}`))

type summaryData struct {
	Case        *cases.Case
	Messages    []Message
	GeneratedAt time.Time
}

// Archiver renders case archives into the object store.
type Archiver struct {
	store    cases.Store
	objects  ObjectStore
	messages MessageSource
	audit    audit.Logger
	logger   *slog.Logger
	now      func() time.Time
}

// NewArchiver creates an archiver. messages may be nil.
func NewArchiver(store cases.Store, objects ObjectStore, messages MessageSource, auditLog audit.Logger, logger *slog.Logger) *Archiver {
	if messages == nil {
		messages = NoMessages{}
	}
	return &Archiver{
		store:    store,
		objects:  objects,
		messages: messages,
		audit:    auditLog,
		logger:   logger,
		now:      time.Now,
	}
}

// Generate gathers the case messages and stored files, renders a summary
// and writes a zip to ArchiveKey(caseID).
func (a *Archiver) Generate(ctx context.Context, caseID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "archive.Generate", traces.CaseID(caseID))
	defer func() { traces.End(span, err) }()

	c, err := a.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.PurgedAt != nil {
		return nil, &cases.ValidationError{Msg: "case files have been purged"}
	}
	if c.Status != cases.StatusCompleted && c.Status != cases.StatusClosed {
		return nil, &cases.ValidationError{Msg: fmt.Sprintf("only completed or closed cases can be archived (case is %s)", c.Status)}
	}

	var msgs []Message
	contents := make([][]byte, len(c.Files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	g.Go(func() error {
		m, err := a.messages.ListMessages(gctx, caseID)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		msgs = m
		return nil
	})
	for i, f := range c.Files {
		g.Go(func() error {
			data, err := a.objects.Get(gctx, f.Key)
			if err != nil {
				return fmt.Errorf("read %s: %w", f.Key, err)
			}
			contents[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := a.now().UTC()
	buf, err := buildZip(summaryData{Case: c, Messages: msgs, GeneratedAt: now}, c.Files, contents)
	if err != nil {
		return nil, err
	}

	key := ArchiveKey(caseID)
	size := int64(buf.Len())
	if err := a.objects.Put(ctx, key, buf, size, "application/zip"); err != nil {
		return nil, fmt.Errorf("store archive: %w", err)
	}

	if _, err := a.store.Mutate(ctx, caseID, func(c *cases.Case) error {
		if c.PurgedAt != nil {
			return &cases.ValidationError{Msg: "case files have been purged"}
		}
		c.ArchiveZipKey = key
		c.ArchiveReadyAt = &now
		return nil
	}); err != nil {
		return nil, err
	}

	metrics.ArchivesGeneratedTotal.Inc()
	a.logger.Info("case archive generated", "case_id", caseID, "key", key, "bytes", size, "files", len(c.Files))
	if err := audit.Record(ctx, a.audit, &audit.Entry{
		Action:     "case.archive_generated",
		TargetType: "case",
		TargetID:   caseID,
		CaseID:     caseID,
		Meta:       map[string]any{"key": key, "sizeBytes": size, "files": len(c.Files), "messages": len(msgs)},
	}); err != nil {
		a.logger.Warn("audit write failed", "case_id", caseID, "error", err)
	}

	return &Result{Key: key, ReadyAt: now, SizeBytes: size, FileCount: len(c.Files)}, nil
}

func buildZip(data summaryData, files []cases.StoredFile, contents [][]byte) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	w, err := zw.CreateHeader(&zip.FileHeader{Name: "summary.txt", Method: zip.Deflate, Modified: data.GeneratedAt})
	if err != nil {
		return nil, err
	}
	if err := summaryTmpl.Execute(w, data); err != nil {
		return nil, fmt.Errorf("render summary: %w", err)
	}

	seen := make(map[string]int, len(files))
	for i, f := range files {
		name := zipName(f, seen)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: f.UploadedAt})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(contents[i]); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// zipName places a file under files/ and disambiguates repeated names.
func zipName(f cases.StoredFile, seen map[string]int) string {
	base := path.Base(f.Name)
	if base == "." || base == "/" || base == "" {
		base = path.Base(f.Key)
	}
	n := seen[base]
	seen[base] = n + 1
	if n == 0 {
		return "files/" + base
	}
	ext := path.Ext(base)
	return fmt.Sprintf("files/%s-%d%s", base[:len(base)-len(ext)], n+1, ext)
}
