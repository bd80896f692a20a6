package contentstore

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultNormalizeWorkers bounds the passage post-processing pool.
const DefaultNormalizeWorkers = 25

// Normalize converts raw stored content into clean passage text using a
// bounded worker pool, then joins the non-empty results with sep.
//
// Each item is decoded as UTF-8 (invalid sequences dropped), markdown table
// rows are flattened into standalone lines and runs of spaces inside a line
// are collapsed. Join order follows the input order.
func Normalize(ctx context.Context, raws [][]byte, workers int, sep string) (string, error) {
	if len(raws) == 0 {
		return "", nil
	}
	if workers <= 0 {
		workers = DefaultNormalizeWorkers
	}

	out := make([]string, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, raw := range raws {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = NormalizeText(raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	parts := out[:0]
	for _, s := range out {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep), nil
}

// NormalizeText is the per-passage transform applied by Normalize.
func NormalizeText(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "")
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				kept = append(kept, "")
				blank = true
			}
			continue
		}
		if isTableRow(line) {
			fact, ok := flattenTableRow(line)
			if !ok {
				continue
			}
			line = fact
		}
		kept = append(kept, collapseSpaces(line))
		blank = false
	}
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\n")
}

func isTableRow(line string) bool {
	return len(line) > 1 && strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|")
}

// flattenTableRow turns "| a | b |" into "a b". Separator rows
// ("|---|:--:|") and rows without cells report false.
func flattenTableRow(line string) (string, bool) {
	cols := strings.Split(strings.Trim(line, "|"), "|")
	cells := make([]string, 0, len(cols))
	allSep := true
	for _, c := range cols {
		cell := strings.TrimSpace(c)
		if cell != "" {
			cells = append(cells, cell)
		}
		if strings.Trim(cell, ":- ") != "" {
			allSep = false
		}
	}
	if allSep || len(cells) == 0 {
		return "", false
	}
	return strings.Join(cells, " "), true
}

var spaceRunRE = regexp.MustCompile(`[ \t\f\v]+`)

func collapseSpaces(s string) string {
	return spaceRunRE.ReplaceAllString(s, " ")
}

// CleanQuestion collapses all whitespace and lower-cases a question before
// it is embedded.
func CleanQuestion(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
