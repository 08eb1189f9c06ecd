package model

import (
	"reflect"
	"testing"
)

func TestSessions_Diff(t *testing.T) {
	current := Sessions{
		"alice": {UsernameKey: "alice"},
		"carol": {UsernameKey: "carol"},
	}
	previous := Sessions{
		"alice": {UsernameKey: "alice"},
		"bob":   {UsernameKey: "bob"},
	}

	joined, left := current.Diff(previous)

	if !reflect.DeepEqual(joined, []string{"carol"}) {
		t.Errorf("expected carol to have joined, got %v", joined)
	}
	if !reflect.DeepEqual(left, []string{"bob"}) {
		t.Errorf("expected bob to have left, got %v", left)
	}
}

func TestSessions_DiffAgainstNil(t *testing.T) {
	current := Sessions{"bob": {}, "alice": {}}

	joined, left := current.Diff(nil)

	if !reflect.DeepEqual(joined, []string{"alice", "bob"}) {
		t.Errorf("unexpected joined list: %v", joined)
	}
	if len(left) != 0 {
		t.Errorf("expected nobody to have left, got %v", left)
	}
}
