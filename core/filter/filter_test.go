package filter

import "testing"

func TestEvalExclude(t *testing.T) {
	l := &List{Items: []string{"beep", "bop"}, Action: Exclude}
	if l.Eval("beep") {
		t.Error("expected beep to be excluded")
	}
	if l.Eval("bop") {
		t.Error("expected bop to be excluded")
	}
	if !l.Eval("boop") {
		t.Error("expected boop to pass the exclude filter")
	}
}

func TestEvalExcludeEmpty(t *testing.T) {
	l := &List{Action: Exclude}
	if !l.Eval("beep") {
		t.Error("an empty exclude list should accept everything")
	}
}

func TestEvalInclude(t *testing.T) {
	l := &List{Items: []string{"beep", "bop"}, Action: Include}
	if !l.Eval("beep") || !l.Eval("bop") {
		t.Error("expected beep and bop to be included")
	}
	if l.Eval("boop") {
		t.Error("expected boop to be rejected")
	}
}

func TestEvalIncludeEmpty(t *testing.T) {
	l := &List{Action: Include}
	if l.Eval("beep") {
		t.Error("an empty include list should accept nothing")
	}
}

func TestEvalNil(t *testing.T) {
	var l *List
	if !l.Eval("beep") {
		t.Error("a nil filter should accept everything")
	}
}

func TestEvalDefaultAction(t *testing.T) {
	l := &List{Items: []string{"beep"}}
	if !l.Eval("beep") {
		t.Error("the default action should be Include")
	}
	if l.Eval("bop") {
		t.Error("the default action should be Include")
	}
}
