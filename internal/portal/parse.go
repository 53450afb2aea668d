package portal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
)

var errCountMissing = errors.New("result count not shown")

// listingLink is one result link as read from the page.
type listingLink struct {
	Href  string   `json:"href"`
	Cells []string `json:"cells"`
}

// parseCount reads the reported total from the page text. A page that shows
// no count is empty only when it matches empty; otherwise it has not settled.
func parseCount(text string, count, empty *regexp.Regexp) (int, error) {
	if m := count.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			return 0, fmt.Errorf("parse result count %q: %w", m[1], err)
		}
		return n, nil
	}
	if empty != nil && empty.MatchString(text) {
		return 0, nil
	}
	return 0, errCountMissing
}

// blockMarker returns the first marker found in the page text, ignoring case.
func blockMarker(text string, markers []string) string {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return m
		}
	}
	return ""
}

// resolveLink makes href absolute against base.
func resolveLink(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse result link %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// listingRows turns result links into row references. Rows without a link
// keep an empty id and are identified by their cells.
func listingRows(base *url.URL, links []listingLink) ([]crawler.RowRef, error) {
	rows := make([]crawler.RowRef, 0, len(links))
	for _, l := range links {
		id, err := resolveLink(base, l.Href)
		if err != nil {
			return nil, err
		}
		fields := make(map[string]string, len(l.Cells))
		for i, c := range l.Cells {
			if c = strings.TrimSpace(c); c != "" {
				fields[fmt.Sprintf("Column %d", i+1)] = c
			}
		}
		rows = append(rows, crawler.RowRef{ID: id, Fields: fields})
	}
	return rows, nil
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func linksScript(selector string) string {
	return `(sel => Array.from(document.querySelectorAll(sel)).map(a => {
  const row = a.closest('tr');
  const cells = row ? Array.from(row.querySelectorAll('td')).map(td => td.innerText.trim()) : [a.innerText.trim()];
  return {href: a.getAttribute('href') || '', cells: cells};
}))(` + jsString(selector) + `)`
}

func textScript(selector string) string {
	return `(sel => { const el = document.querySelector(sel); return el ? el.innerText.trim() : null; })(` +
		jsString(selector) + `)`
}

func missingScript(selectors []string) string {
	list, _ := json.Marshal(selectors)
	return `(list => list.filter(sel => document.querySelector(sel) === null))(` + string(list) + `)`
}
