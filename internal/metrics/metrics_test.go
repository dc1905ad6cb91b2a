package metrics

import (
	"strings"
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	Reset()
	Inc("jobs_completed")
	Add("jobs_completed", 2)
	Inc("jobs_failed")

	if got := Value("jobs_completed"); got != 3 {
		t.Fatalf("jobs_completed = %d, want 3", got)
	}
	if got := Value("missing"); got != 0 {
		t.Fatalf("missing counter = %d, want 0", got)
	}
}

func TestRenderSorted(t *testing.T) {
	Reset()
	Inc("zeta")
	Inc("alpha")
	Inc("mid")

	out := Render()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("rendered %d lines: %q", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "alpha ") || !strings.HasPrefix(lines[2], "zeta ") {
		t.Fatalf("not sorted: %q", out)
	}
}

func TestConcurrentAdds(t *testing.T) {
	Reset()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Inc("concurrent")
			}
		}()
	}
	wg.Wait()
	if got := Value("concurrent"); got != 1600 {
		t.Fatalf("concurrent = %d, want 1600", got)
	}
}
