package parse

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// extractByHeaderScan walks every table in the document and extracts rows
// from the first whose captions identify both a date and a close column.
func extractByHeaderScan(markup []byte) ([]RawRow, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	tables := doc.Find("table")
	if tables.Length() == 0 {
		return nil, errNoTable
	}

	var (
		rows      []RawRow
		candidate bool
	)
	tables.EachWithBreak(func(_ int, table *goquery.Selection) bool {
		captions, headerRow := tableCaptions(table)
		mapped, ok := mapHeaders(captions)
		if !ok {
			return true
		}
		candidate = true
		rows = tableDataRows(table, mapped, headerRow)
		return len(rows) == 0
	})

	switch {
	case len(rows) > 0:
		return rows, nil
	case candidate:
		return nil, errShapeMismatch
	default:
		return nil, errNoTable
	}
}

// tableCaptions collects header captions, preferring thead cells. Without a
// thead the first row serves as header; its node is returned so row
// extraction can skip it.
func tableCaptions(table *goquery.Selection) ([]string, *html.Node) {
	var captions []string
	table.Find("thead th").Each(func(_ int, th *goquery.Selection) {
		captions = append(captions, th.Text())
	})
	if len(captions) > 0 {
		return captions, nil
	}
	first := table.Find("tr").First()
	first.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		captions = append(captions, cell.Text())
	})
	if len(captions) == 0 {
		return nil, nil
	}
	return captions, first.Get(0)
}

func tableDataRows(table *goquery.Selection, mapped []string, headerRow *html.Node) []RawRow {
	trs := table.Find("tbody tr")
	if trs.Length() == 0 {
		trs = table.Find("tr")
	}
	var rows []RawRow
	trs.Each(func(_ int, tr *goquery.Selection) {
		if headerRow != nil && tr.Get(0) == headerRow {
			return
		}
		var cells []string
		tr.Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, td.Text())
		})
		if len(cells) == 0 {
			return
		}
		rows = append(rows, cellsToRow(len(rows)+1, mapped, cells))
	})
	return rows
}
