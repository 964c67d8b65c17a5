package sqlassistctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/muesli/reflow/wordwrap"

	"github.com/sqlassist/sqlassist/internal/assistant"
	"github.com/sqlassist/sqlassist/internal/presets"
	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/session"
)

const maxCellWidth = 40

type historyEntry struct {
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id"`
	Question   string    `json:"question"`
	SQL        string    `json:"sql_query"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason"`
	RowCount   int       `json:"row_count"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type renderer struct {
	out   io.Writer
	width int
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	return t
}

func (r renderer) sessionInfo(info assistant.SessionInfo) {
	_, _ = fmt.Fprintf(r.out, "%s %s (%s, %s)\n", color.GreenString("session"), info.SessionID, info.Kind, info.Dialect)
	t := newTable(r.out)
	t.AppendHeader(table.Row{"table", "columns", "rows"})
	for _, summary := range info.SchemaSummary {
		t.AppendRow(table.Row{summary.Name, columnNames(summary.Columns), summary.RowCount})
	}
	t.Render()
	if len(info.Presets) > 0 {
		r.presets(info.Presets)
	}
}

func (r renderer) schema(described schema.Schema) {
	_, _ = fmt.Fprintf(r.out, "dialect: %s\n", described.Dialect)
	for _, tbl := range described.Tables {
		_, _ = fmt.Fprintf(r.out, "\n%s (%d rows)\n", color.CyanString(tbl.Name), tbl.RowCount)
		t := newTable(r.out)
		t.AppendHeader(table.Row{"column", "type", "nullable"})
		for _, column := range tbl.Columns {
			t.AppendRow(table.Row{column.Name, column.Type, column.Nullable})
		}
		t.Render()
	}
}

// result prints the SQL, the rows and the wrapped answer of an ask.
func (r renderer) result(result assistant.QueryResult) {
	if result.SQL != "" {
		_, _ = fmt.Fprintf(r.out, "%s %s\n", color.HiBlackString("sql:"), result.SQL)
	}
	if len(result.Columns) > 0 {
		t := newTable(r.out)
		header := make(table.Row, 0, len(result.Columns))
		for _, column := range result.Columns {
			header = append(header, column)
		}
		t.AppendHeader(header)
		for _, row := range result.Results {
			cells := make(table.Row, 0, len(row.Values))
			for _, value := range row.Values {
				cells = append(cells, cell(value))
			}
			t.AppendRow(cells)
		}
		if result.Truncated {
			t.AppendFooter(table.Row{fmt.Sprintf("%d rows (truncated)", result.RowCount)})
		}
		t.Render()
	}
	if result.Answer != "" {
		_, _ = fmt.Fprintln(r.out, wordwrap.String(result.Answer, r.width))
	}
}

func (r renderer) presets(list []presets.Preset) {
	t := newTable(r.out)
	t.AppendHeader(table.Row{"id", "group", "question"})
	for _, preset := range list {
		t.AppendRow(table.Row{preset.ID, preset.Group, preset.Question})
	}
	t.Render()
}

func (r renderer) turns(turns []session.Turn) {
	t := newTable(r.out)
	t.AppendHeader(table.Row{"at", "stage", "rows", "question", "sql"})
	for _, turn := range turns {
		t.AppendRow(table.Row{turn.At.Format("15:04:05"), turn.Stage, turn.RowCount, turn.Question, cell(turn.SQL)})
	}
	t.Render()
}

func (r renderer) entries(entries []historyEntry) {
	t := newTable(r.out)
	t.AppendHeader(table.Row{"created", "session", "stage", "reason", "rows", "ms", "question"})
	for _, entry := range entries {
		t.AppendRow(table.Row{entry.CreatedAt.Format("2006-01-02 15:04"), entry.SessionID, entry.Stage, entry.Reason, entry.RowCount, entry.DurationMs, entry.Question})
	}
	t.Render()
}

func (r renderer) failure(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "%s %v\n", color.RedString("error:"), err)
}

func columnNames(columns []schema.Column) string {
	names := make([]string, 0, len(columns))
	for _, column := range columns {
		names = append(names, column.Name)
	}
	return cell(strings.Join(names, ", "))
}

func cell(value any) string {
	if value == nil {
		return "NULL"
	}
	text := fmt.Sprint(value)
	if len(text) > maxCellWidth {
		return text[:maxCellWidth-3] + "..."
	}
	return text
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var formatted bytes.Buffer
	if err := json.Indent(&formatted, raw, "", "  "); err != nil {
		return "", false
	}
	return strings.TrimSpace(formatted.String()), true
}
