package telegram

import (
	"strings"
	"testing"

	logx "likebot/pkg/logx"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("line with some text in it\n")
	}
	chunks := splitTelegramText(b.String(), 200)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 200 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		// Newline-boundary splits keep lines intact.
		for _, line := range strings.Split(c, "\n") {
			if line != "" && line != "line with some text in it" {
				t.Fatalf("chunk %d split mid-line: %q", i, line)
			}
		}
	}
}

func TestSplitTelegramTextNoNewlines(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 450)
	chunks := splitTelegramText(long, 200)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	if total != 450 {
		t.Fatalf("reassembled length = %d, want 450", total)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}
