package core

import (
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// RosterRow is one student line from the manaba report list.
type RosterRow struct {
	StudentID  string     // 学籍番号 (9 digits)
	Role       string     // ロール (履修生 etc.)
	Submission string     // 提出 (提出済/受付終了後提出/未提出)
	SubmitDate *time.Time // 提出日時 (nil when the cell is empty)
	RowNumber  int        // 1-based row inside the sheet, for diagnostics
}

const (
	rosterHeaderMarker = "# 内部コースID"
	rosterEndMarker    = "#end"

	rosterColStudentID  = "# 学籍番号"
	rosterColRole       = "# ロール"
	rosterColSubmission = "# 提出"
	rosterColSubmitDate = "# 提出日時"
)

// ParseRoster reads reportlist.xlsx, locating the header row that begins with
// the course-ID marker and stopping at the exclusive #end marker, restricted
// to the student-number/role/submission/submit-date columns.
//
// Returns found=false when the file does not exist. Malformed sheets (including
// legacy .xls, which the xlsx reader cannot open) surface as an empty table.
func ParseRoster(path string) ([]RosterRow, bool) {
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return []RosterRow{}, true
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return []RosterRow{}, true
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return []RosterRow{}, true
	}

	start := -1
	for i, row := range rows {
		if len(row) > 0 && strings.HasPrefix(strings.TrimSpace(row[0]), rosterHeaderMarker) {
			start = i
			break
		}
	}
	if start < 0 {
		return []RosterRow{}, true
	}

	header := rows[start]
	cols := map[string]int{}
	for i, cell := range header {
		cols[strings.TrimSpace(cell)] = i
	}
	idCol, ok1 := cols[rosterColStudentID]
	roleCol, ok2 := cols[rosterColRole]
	subCol, ok3 := cols[rosterColSubmission]
	dateCol, ok4 := cols[rosterColSubmitDate]
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return []RosterRow{}, true
	}

	out := []RosterRow{}
	for i := start + 1; i < len(rows); i++ {
		row := rows[i]
		if len(row) > 0 && strings.HasPrefix(strings.TrimSpace(row[0]), rosterEndMarker) {
			break
		}
		cell := func(idx int) string {
			if idx < len(row) {
				return strings.TrimSpace(row[idx])
			}
			return ""
		}
		out = append(out, RosterRow{
			StudentID:  cell(idCol),
			Role:       cell(roleCol),
			Submission: cell(subCol),
			SubmitDate: parseRosterDate(cell(dateCol)),
			RowNumber:  i + 1,
		})
	}
	return out, true
}

// parseRosterDate accepts the report list's date formats; nil when empty or
// unparseable.
func parseRosterDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006/01/02 15:04:05", "2006-01-02 15:04", "2006/01/02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return &t
		}
	}
	return nil
}
