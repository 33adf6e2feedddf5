package task

import "testing"

func TestResumeRunsUntilYield(t *testing.T) {
	var steps []string
	tk := New(func(t *Task) {
		steps = append(steps, "before-yield-1")
		t.Yield()
		steps = append(steps, "before-yield-2")
		t.Yield()
		steps = append(steps, "done")
	})

	if len(steps) != 0 {
		t.Fatalf("task body ran before first Resume: %v", steps)
	}

	tk.Resume()
	if got := []string{"before-yield-1"}; !equal(steps, got) {
		t.Fatalf("steps = %v, want %v", steps, got)
	}
	if !tk.Alive() {
		t.Fatal("task should still be alive after its first yield")
	}

	tk.Resume()
	if !tk.Alive() {
		t.Fatal("task should still be alive after its second yield")
	}

	tk.Resume()
	if tk.Alive() {
		t.Fatal("task should be finished once its entry returns")
	}
	want := []string{"before-yield-1", "before-yield-2", "done"}
	if !equal(steps, want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
}

func TestResumeAfterFinishIsNoop(t *testing.T) {
	tk := New(func(t *Task) {})
	tk.Resume()
	if tk.Alive() {
		t.Fatal("expected task to finish on first resume")
	}
	if tk.Resume() {
		t.Fatal("Resume on a finished task must return false")
	}
}

func TestCancelUnwindsWithoutPostingResult(t *testing.T) {
	posted := false
	tk := New(func(t *Task) {
		if t.Yield() {
			return
		}
		posted = true
	})

	tk.Cancel()
	tk.End()

	if tk.Alive() {
		t.Fatal("End must drain the task to completion")
	}
	if posted {
		t.Fatal("a cancelled task must not reach the post-result line")
	}
}

func TestEndOnAlreadyFinishedTaskIsSafe(t *testing.T) {
	tk := New(func(t *Task) {})
	tk.Resume()
	tk.End() // must not hang or panic
	if tk.Alive() {
		t.Fatal("task should remain finished")
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
