package conversation

import "strings"

// ScriptTurn builds a Turn that replays the given fragments and then
// finishes with the given outcome. For tests and fakes.
func ScriptTurn(threadID string, fragments []string, err, warning error) *Turn {
	t := newTurn(threadID)
	go func() {
		defer close(t.fragments)
		for _, fragment := range fragments {
			t.fragments <- fragment
		}
		t.err = err
		t.warning = warning
		if err == nil {
			t.reply = strings.Join(fragments, "")
		}
	}()
	return t
}
