package transform

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"strings"
)

var csvTableTmpl = template.Must(template.New("csv").Parse(`<table>
<thead><tr>{{range .Header}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
{{if .Truncated}}<p class="note">Showing the first {{.Shown}} rows.</p>{{end}}`))

// csvTransformer renders CSV as an HTML table. The first record is the
// header row; ragged records are tolerated; output is capped at maxRows.
type csvTransformer struct{}

func (csvTransformer) Name() string { return "csv" }

func (csvTransformer) CanHandle(contentType, extension string) bool {
	return extension == "csv" || strings.Contains(strings.ToLower(contentType), "text/csv")
}

func (csvTransformer) Transform(ctx *Context) ([]byte, string, error) {
	maxRows := ctx.Snapshot.Transformers.CSVOptions.MaxRows
	if maxRows <= 0 {
		maxRows = 5000
	}

	reader := csv.NewReader(bytes.NewReader(ctx.Body))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, "", fmt.Errorf("csv header: %w", err)
	}

	var rows [][]string
	truncated := false
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("csv row %d: %w", len(rows)+2, err)
		}
		if len(rows) >= maxRows {
			truncated = true
			break
		}
		rows = append(rows, record)
	}

	var table bytes.Buffer
	err = csvTableTmpl.Execute(&table, struct {
		Header    []string
		Rows      [][]string
		Truncated bool
		Shown     int
	}{header, rows, truncated, len(rows)})
	if err != nil {
		return nil, "", err
	}

	out, err := renderPage(pageTitle(ctx.RequestPath), "", template.HTML(table.String()))
	if err != nil {
		return nil, "", err
	}
	return out, "", nil
}
