package netctl

import "testing"

func TestNextFreePriorityNoCollision(t *testing.T) {
	used := map[int]bool{}
	if got := NextFreePriority(used, 100); got != 100 {
		t.Errorf("got %d, want 100", got)
	}
}

func TestNextFreePrioritySkipsUsed(t *testing.T) {
	used := map[int]bool{100: true, 101: true, 103: true}
	if got := NextFreePriority(used, 100); got != 102 {
		t.Errorf("got %d, want 102", got)
	}
}
