package lang

import "testing"

func TestCatalog_Text_english(t *testing.T) {
	c, err := NewCatalog(nil)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	if got := c.Text("", StepIDRequired, nil); got != "stepId is required." {
		t.Errorf("Text(stepIdRequired) = %q", got)
	}
	if got := c.Text("", IDOrDataRequired, nil); got != "[params] id or data is required." {
		t.Errorf("Text(idOrDataRequired) = %q", got)
	}
	if got := c.Text("en-US", RecordNotFound, map[string]any{"ID": "r-1"}); got != "Record#r-1 not found." {
		t.Errorf("Text(recordNotFound) = %q", got)
	}
}

func TestCatalog_Text_overrides(t *testing.T) {
	c, err := NewCatalog(Pack{UndoSuccess: "Reverted."})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if got := c.Text("", UndoSuccess, nil); got != "Reverted." {
		t.Errorf("Text(undoSuccess) = %q, want override", got)
	}
	if got := c.Text("", RejectSuccess, nil); got != "Reject successfully." {
		t.Errorf("Text(rejectSuccess) = %q, want base text", got)
	}
	if got := c.Text("zh", UndoSuccess, nil); got != "Reverted." {
		t.Errorf("Text(zh, undoSuccess) = %q, want override in every locale", got)
	}
	if got := c.Text("zh", RecordNotFound, map[string]any{"ID": "r-1"}); got != "记录#r-1不存在。" {
		t.Errorf("Text(zh, recordNotFound) = %q, want Chinese base text", got)
	}
}

func TestCatalog_Text_chinese(t *testing.T) {
	c, err := NewCatalog(nil)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	got := c.Text("zh-CN,zh;q=0.9", RecordNotFound, map[string]any{"ID": "r-1"})
	if got != "记录#r-1不存在。" {
		t.Errorf("Text(zh, recordNotFound) = %q", got)
	}
}

func TestCatalog_Text_unknownID(t *testing.T) {
	c, err := NewCatalog(nil)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if got := c.Text("", "noSuchMessage", nil); got != "noSuchMessage" {
		t.Errorf("Text(unknown) = %q, want id", got)
	}
}

func TestMerge_laterWins(t *testing.T) {
	got := Merge(En, Pack{Locked: "builder"}, Pack{Locked: "step"})
	if got[Locked] != "step" {
		t.Errorf("Merge()[locked] = %q, want step", got[Locked])
	}
	if got[UndoSuccess] != En[UndoSuccess] {
		t.Errorf("Merge()[undoSuccess] = %q, want base", got[UndoSuccess])
	}
	if En[Locked] == "step" {
		t.Error("Merge mutated its input")
	}
}

func TestPacks_complete(t *testing.T) {
	for id := range En {
		if _, ok := Zh[id]; !ok {
			t.Errorf("Zh missing %q", id)
		}
	}
}
