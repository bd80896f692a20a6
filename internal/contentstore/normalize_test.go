package contentstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeText_FlattensTablesAndCollapsesSpaces(t *testing.T) {
	in := "\r\n# Title\r\n\r\n| Feature | Value |\n|:---|---:|\n|  Bots  |  Yes |\n||\n\n\nsome    spaced\ttext  \n\n"
	got := NormalizeText([]byte(in))
	want := "# Title\n\nFeature Value\nBots Yes\n\nsome spaced text"
	if got != want {
		t.Fatalf("NormalizeText =\n%q\nwant\n%q", got, want)
	}
}

func TestNormalizeText_DropsInvalidUTF8(t *testing.T) {
	got := NormalizeText([]byte{'o', 'k', 0xff, '!'})
	if got != "ok!" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalize_JoinsInInputOrder(t *testing.T) {
	raws := make([][]byte, 0, 60)
	for i := 0; i < 60; i++ {
		raws = append(raws, []byte(fmt.Sprintf("p%02d", i)))
	}
	raws = append(raws, []byte("   "))

	got, err := Normalize(context.Background(), raws, 4, "\n")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	parts := strings.Split(got, "\n")
	if len(parts) != 60 {
		t.Fatalf("expected 60 parts (blank skipped), got %d", len(parts))
	}
	for i, p := range parts {
		if p != fmt.Sprintf("p%02d", i) {
			t.Fatalf("part %d = %q", i, p)
		}
	}
}

func TestNormalize_EmptyAndCancelled(t *testing.T) {
	if s, err := Normalize(context.Background(), nil, 0, "\n"); s != "" || err != nil {
		t.Fatalf("empty input => (%q, %v)", s, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Normalize(ctx, [][]byte{[]byte("a")}, 1, "\n"); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestCleanQuestion(t *testing.T) {
	if got := CleanQuestion("  What   DOES\n WinfoBots\tdo? "); got != "what does winfobots do?" {
		t.Fatalf("CleanQuestion = %q", got)
	}
}

type lenEmbedder struct{ calls int }

func (e *lenEmbedder) Embed(_ context.Context, text string) []float32 {
	e.calls++
	if strings.Contains(text, "skip") {
		return nil
	}
	return []float32{float32(len(text)), 1}
}

func TestSeedFromMarkdown(t *testing.T) {
	doc := strings.Join([]string{
		"# Heading",
		"WinfoBots automates Oracle ERP testing across modules and releases.",
		"| A | B |\n|---|---|\n| x | y |",
		"This paragraph should skip embedding because the embedder refuses it.",
	}, "\n\n")
	path := filepath.Join(t.TempDir(), "bots.md")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewMemory()
	emb := &lenEmbedder{}
	n, err := SeedFromMarkdown(context.Background(), m, emb, path, Passage{Corpus: CorpusSales, Product: "WinfoBots"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 1 || m.Len() != 1 {
		t.Fatalf("expected 1 passage, got n=%d len=%d", n, m.Len())
	}
	if emb.calls != 2 {
		t.Fatalf("expected 2 embed calls (short paragraphs skipped), got %d", emb.calls)
	}
	got, _ := m.Fetch(context.Background(), []string{"bots-1"})
	if len(got) != 1 || !strings.HasPrefix(string(got[0]), "WinfoBots automates") {
		t.Fatalf("unexpected passage: %q", got)
	}

	if _, err := SeedFromMarkdown(context.Background(), m, emb, filepath.Join(t.TempDir(), "missing.md"), Passage{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
