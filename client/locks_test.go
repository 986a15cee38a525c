package client

import (
	"testing"
	"time"
)

func TestLockTable(t *testing.T) {
	table := NewLockTable(60 * time.Millisecond)
	defer table.Stop()

	if table.Locked("tempo") {
		t.Errorf("field locked before any Lock call")
	}
	table.Lock("tempo")
	if !table.Locked("tempo") {
		t.Errorf("field not locked after Lock")
	}
	if table.Locked("volume") {
		t.Errorf("locking one field locked another")
	}
	time.Sleep(100 * time.Millisecond)
	if table.Locked("tempo") {
		t.Errorf("lock survived its window")
	}
}

func TestLockTableRelockRestartsWindow(t *testing.T) {
	table := NewLockTable(80 * time.Millisecond)
	defer table.Stop()

	table.Lock("tempo")
	time.Sleep(50 * time.Millisecond)
	table.Lock("tempo")
	time.Sleep(50 * time.Millisecond)
	// 100ms after the first lock but only 50ms after the second
	if !table.Locked("tempo") {
		t.Errorf("re-lock did not restart the window")
	}
	time.Sleep(60 * time.Millisecond)
	if table.Locked("tempo") {
		t.Errorf("lock survived the restarted window")
	}
}

func TestLockTableReadsDoNotExtend(t *testing.T) {
	table := NewLockTable(60 * time.Millisecond)
	defer table.Stop()

	table.Lock("tempo")
	for i := 0; i < 5; i++ {
		table.Locked("tempo")
		time.Sleep(20 * time.Millisecond)
	}
	if table.Locked("tempo") {
		t.Errorf("Locked() reads extended the window")
	}
}
