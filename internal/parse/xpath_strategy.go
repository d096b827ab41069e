package parse

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// looksLikeDate guards the positional fallback: a quotes row always leads
// with a display date.
var looksLikeDate = regexp.MustCompile(`^(\d{1,2}[./-]\d{1,2}[./-]\d{2,4}|\d{4}-\d{2}-\d{2})$`)

// positionalOrder is the column order the source renders when captions are
// missing or unrecognizable: Data, Último, Abertura, Máxima, Mínima, Var%.
var positionalOrder = []string{colDate, colClose, colOpen, colHigh, colLow, colChangePct}

// newXPathExtractor returns an extraction func anchored at the configured
// table XPath, with a generic //table rescue when the absolute path no
// longer resolves.
func newXPathExtractor(xpath string) func([]byte) ([]RawRow, error) {
	return func(markup []byte) ([]RawRow, error) {
		doc, err := htmlquery.Parse(bytes.NewReader(markup))
		if err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
		table := queryFirst(doc, xpath)
		if table == nil {
			table = queryFirst(doc, "//table")
		}
		if table == nil {
			return nil, errNoTable
		}

		captions := nodeTexts(queryAll(table, ".//thead//th"))
		var headerRow *html.Node
		if len(captions) == 0 {
			if first := queryFirst(table, ".//tr"); first != nil {
				headerRow = first
				captions = nodeTexts(queryAll(first, "./th|./td"))
			}
		}

		trs := queryAll(table, ".//tbody//tr")
		if len(trs) == 0 {
			trs = queryAll(table, ".//tr")
		}
		var dataRows []*html.Node
		for _, tr := range trs {
			if tr == headerRow {
				continue
			}
			dataRows = append(dataRows, tr)
		}

		if mapped, ok := mapHeaders(captions); ok {
			if rows := xpathRows(dataRows, mapped); len(rows) > 0 {
				return rows, nil
			}
		}
		if rows := positionalRows(dataRows); len(rows) > 0 {
			return rows, nil
		}
		return nil, errShapeMismatch
	}
}

func xpathRows(trs []*html.Node, mapped []string) []RawRow {
	var rows []RawRow
	for _, tr := range trs {
		cells := nodeTexts(queryAll(tr, "./td"))
		if len(cells) == 0 {
			continue
		}
		rows = append(rows, cellsToRow(len(rows)+1, mapped, cells))
	}
	return rows
}

// positionalRows maps cells by position for tables whose captions were
// stripped or renamed. Rows that do not lead with a date are dropped.
func positionalRows(trs []*html.Node) []RawRow {
	var rows []RawRow
	for _, tr := range trs {
		cells := nodeTexts(queryAll(tr, "./td"))
		if len(cells) < 2 || !looksLikeDate.MatchString(strings.TrimSpace(cells[0])) {
			continue
		}
		mapped := positionalOrder
		if len(cells) < len(mapped) {
			mapped = mapped[:len(cells)]
		}
		rows = append(rows, cellsToRow(len(rows)+1, mapped, cells))
	}
	return rows
}

// queryFirst evaluates expr and returns the first match. Unlike Find it
// reports a broken expression as no match instead of panicking.
func queryFirst(top *html.Node, expr string) *html.Node {
	node, err := htmlquery.Query(top, expr)
	if err != nil {
		return nil
	}
	return node
}

func queryAll(top *html.Node, expr string) []*html.Node {
	nodes, err := htmlquery.QueryAll(top, expr)
	if err != nil {
		return nil
	}
	return nodes
}

func nodeTexts(nodes []*html.Node) []string {
	texts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		texts = append(texts, strings.TrimSpace(htmlquery.InnerText(n)))
	}
	return texts
}
