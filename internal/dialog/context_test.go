package dialog

import (
	"fmt"
	"testing"
)

func TestAppendAndTurns(t *testing.T) {
	c := NewContext(4)
	c.Append(Turn{ID: "1", Speaker: SpeakerCaller, Text: "hello"})
	c.Append(Turn{ID: "2", Speaker: SpeakerSystem, Text: "hi there"})

	turns := c.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Speaker != SpeakerCaller || turns[1].Speaker != SpeakerSystem {
		t.Fatalf("unexpected speaker order: %v, %v", turns[0].Speaker, turns[1].Speaker)
	}
}

func TestEvictsOldestAtCap(t *testing.T) {
	c := NewContext(3)
	for i := 0; i < 5; i++ {
		c.Append(Turn{ID: fmt.Sprintf("%d", i), Text: fmt.Sprintf("turn %d", i)})
	}
	turns := c.Turns()
	if len(turns) != 3 {
		t.Fatalf("expected window of 3, got %d", len(turns))
	}
	if turns[0].ID != "2" || turns[2].ID != "4" {
		t.Fatalf("expected oldest evicted first, got %s..%s", turns[0].ID, turns[2].ID)
	}
}

func TestTurnsReturnsCopy(t *testing.T) {
	c := NewContext(4)
	c.Append(Turn{ID: "1", Text: "original"})
	turns := c.Turns()
	turns[0].Text = "mutated"
	if c.Turns()[0].Text != "original" {
		t.Fatal("Turns must not expose internal storage")
	}
}

func TestZeroCapClampedToOne(t *testing.T) {
	c := NewContext(0)
	c.Append(Turn{ID: "1"})
	c.Append(Turn{ID: "2"})
	turns := c.Turns()
	if len(turns) != 1 || turns[0].ID != "2" {
		t.Fatalf("expected only latest turn, got %v", turns)
	}
}
