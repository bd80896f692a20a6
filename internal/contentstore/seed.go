package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Embedder turns text into a vector. An empty vector means the text could
// not be embedded.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// MinSeedParagraphRunes drops headings and other fragments when seeding.
const MinSeedParagraphRunes = 40

// SeedFromMarkdown reads a markdown fixture, splits it into paragraphs and
// writes one embedded passage per paragraph. base supplies the partition
// fields; ids are "<prefix>-<n>" with the file's base name as prefix.
// It returns the number of passages written.
func SeedFromMarkdown(ctx context.Context, w Writer, emb Embedder, path string, base Passage) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	prefix := base.ID
	if prefix == "" {
		prefix = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return SeedFromReader(ctx, w, emb, bytes.NewReader(b), prefix, base)
}

// SeedFromReader is SeedFromMarkdown over an arbitrary reader.
func SeedFromReader(ctx context.Context, w Writer, emb Embedder, r io.Reader, prefix string, base Passage) (int, error) {
	all, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	paras := splitParas(NormalizeText(all))

	batch := make([]Passage, 0, len(paras))
	for i, para := range paras {
		if utf8.RuneCountInString(para) < MinSeedParagraphRunes {
			continue
		}
		vec := emb.Embed(ctx, CleanQuestion(para))
		if len(vec) == 0 {
			continue
		}
		p := base
		p.ID = fmt.Sprintf("%s-%d", prefix, i)
		p.Content = para
		p.Embedding = vec
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := w.Upsert(ctx, batch...); err != nil {
		return 0, err
	}
	return len(batch), nil
}

var paraSplitRE = regexp.MustCompile(`\n\s*\n`)

func splitParas(s string) []string {
	chunks := paraSplitRE.Split(s, -1)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if t := strings.TrimSpace(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}
