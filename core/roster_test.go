package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

// writeTestRoster builds a reportlist.xlsx with the manaba preamble/footer.
func writeTestRoster(t *testing.T, path string, students [][]string) {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	rows := [][]interface{}{
		{"コース名", "データ構造とアルゴリズム"},
		{},
		{"# 内部コースID", "# 氏名", "# 学籍番号", "# ロール", "# 提出", "# 提出日時"},
	}
	for _, s := range students {
		row := make([]interface{}, len(s))
		for i, v := range s {
			row[i] = v
		}
		rows = append(rows, row)
	}
	rows = append(rows, []interface{}{"#end"})
	rows = append(rows, []interface{}{"trailing", "garbage"})

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save roster: %v", err)
	}
}

func TestParseRoster(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "reportlist.xlsx")
	writeTestRoster(t, path, [][]string{
		{"c001", "学生A", "100000001", "履修生", "提出済", "2025-07-01 12:00:00"},
		{"c001", "学生B", "100000002", "履修生", "受付終了後提出", "2025-07-02 09:30:00"},
		{"c001", "学生C", "100000003", "履修生", "未提出", ""},
		{"c001", "教員X", "900000001", "担当教員", "", ""},
	})

	rows, found := ParseRoster(path)
	if !found {
		t.Fatalf("roster must be found")
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}

	if rows[0].StudentID != "100000001" || rows[0].Role != "履修生" || rows[0].Submission != "提出済" {
		t.Fatalf("row 0 mismatch: %+v", rows[0])
	}
	if rows[0].SubmitDate == nil || rows[0].SubmitDate.Hour() != 12 {
		t.Fatalf("row 0 submit date mismatch: %v", rows[0].SubmitDate)
	}
	if rows[1].Submission != "受付終了後提出" {
		t.Fatalf("row 1 mismatch: %+v", rows[1])
	}
	if rows[2].SubmitDate != nil {
		t.Fatalf("row 2 must have no submit date")
	}
	if rows[3].Role != "担当教員" {
		t.Fatalf("row 3 mismatch: %+v", rows[3])
	}
}

func TestParseRosterStopsAtEndMarker(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "reportlist.xlsx")
	writeTestRoster(t, path, [][]string{
		{"c001", "学生A", "100000001", "履修生", "提出済", "2025-07-01 12:00:00"},
	})

	rows, found := ParseRoster(path)
	if !found {
		t.Fatalf("roster must be found")
	}
	for _, r := range rows {
		if r.StudentID == "trailing" {
			t.Fatalf("rows after #end must be dropped")
		}
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestParseRosterMissingFile(t *testing.T) {
	if _, found := ParseRoster(filepath.Join(t.TempDir(), "reportlist.xlsx")); found {
		t.Fatalf("missing file must report not found")
	}
}

func TestParseRosterMalformedFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "reportlist.xls")
	if err := os.WriteFile(path, []byte("this is not a spreadsheet"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows, found := ParseRoster(path)
	if !found {
		t.Fatalf("existing file must report found")
	}
	if len(rows) != 0 {
		t.Fatalf("malformed sheet must yield an empty table")
	}
}

func TestParseRosterWithoutHeaderMarker(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "reportlist.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	row := []interface{}{"no", "marker", "here"}
	if err := f.SetSheetRow(sheet, "A1", &row); err != nil {
		t.Fatalf("set row: %v", err)
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	rows, found := ParseRoster(path)
	if !found {
		t.Fatalf("existing file must report found")
	}
	if len(rows) != 0 {
		t.Fatalf("sheet without the course-ID header must yield an empty table")
	}
}
