package filter

import "testing"

func TestStripsThinkBlock(t *testing.T) {
	in := "before <think>reasoning that should vanish</think> after"
	got := Filter(in)
	if got != "before  after" && got != "before after" {
		t.Fatalf("think block not stripped cleanly: %q", got)
	}
}

func TestStripsOrphanTag(t *testing.T) {
	in := "partial <think> reasoning cut off"
	got := Filter(in)
	if contains(got, "<think>") {
		t.Fatalf("orphan tag survived: %q", got)
	}
}

func TestDedupeConsecutiveSentences(t *testing.T) {
	in := "The sky is blue. The sky is blue. It is a nice day."
	got := Filter(in)
	if count(got, "The sky is blue.") != 1 {
		t.Fatalf("expected deduped repeated sentence, got %q", got)
	}
}

func TestCollapsesWhitespace(t *testing.T) {
	in := "too   many    spaces"
	got := Filter(in)
	if got != "too many spaces" {
		t.Fatalf("whitespace not collapsed: %q", got)
	}
}

func TestParagraphBreakBeforeSentenceStart(t *testing.T) {
	in := "First sentence. Second sentence starts here."
	got := Filter(in)
	if !contains(got, "First sentence.\n\nSecond sentence starts here.") {
		t.Fatalf("expected paragraph break before capitalized sentence start, got %q", got)
	}
}

func TestParagraphBreakBeforeNumberedListItem(t *testing.T) {
	in := "Steps: 1. Do this 2. Do that"
	got := Filter(in)
	if !contains(got, "\n1. Do this") || !contains(got, "\n2. Do that") {
		t.Fatalf("expected a line break before each numbered list item, got %q", got)
	}
}

func TestParagraphBreakBeforeBulletMarker(t *testing.T) {
	in := "Options: - first option * second option"
	got := Filter(in)
	if !contains(got, "\n- first option") || !contains(got, "\n* second option") {
		t.Fatalf("expected a line break before each bullet marker, got %q", got)
	}
}

func TestParagraphBreaksCollapsed(t *testing.T) {
	in := "first\n\n\n\n\nsecond"
	got := Filter(in)
	if got != "first\n\nsecond" {
		t.Fatalf("paragraph breaks not normalized: %q", got)
	}
}

// TestFilterIdempotent covers invariant I7.
func TestFilterIdempotent(t *testing.T) {
	in := "<think>x</think>The sky is blue. The sky is blue.\n\n\n\nDone.   ok"
	once := Filter(in)
	twice := Filter(once)
	if once != twice {
		t.Fatalf("filter not idempotent: %q vs %q", once, twice)
	}
}

func TestTruncateAtSentenceBoundary(t *testing.T) {
	in := "First sentence here. Second sentence here. Third sentence that pushes past the limit and keeps going on and on."
	got := TruncateIfNeeded(in, 50)
	if len(got) > 50 {
		t.Fatalf("truncated text exceeds maxLen: %d", len(got))
	}
}

func TestTruncateFallsBackToEllipsisWhenBoundaryTooEarly(t *testing.T) {
	in := "Averyveryverylongsinglewordwithnosentenceboundaryatallthatkeepsgoingandgoingandgoingandgoing"
	got := TruncateIfNeeded(in, 20)
	if got[len(got)-3:] != "..." {
		t.Fatalf("expected ellipsis fallback, got %q", got)
	}
}

func TestTruncateNoOpWhenShort(t *testing.T) {
	in := "short text"
	if got := TruncateIfNeeded(in, 100); got != in {
		t.Fatalf("expected no-op, got %q", got)
	}
}

func contains(s, sub string) bool {
	return indexOf(s, sub) >= 0
}

func count(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
			i += len(sub) - 1
		}
	}
	return n
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
