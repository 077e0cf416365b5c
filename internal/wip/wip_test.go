package wip

import (
	"testing"
	"time"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

func TestInProgressBlocksOtherChannel(t *testing.T) {
	tbl := New(2 * time.Second)
	h, _ := hashtoken.New("<race@example.com>")

	if tbl.InProgress(h, 1, true) {
		t.Fatalf("first claim should not report a conflict")
	}
	if !tbl.InProgress(h, 2, false) {
		t.Fatalf("second channel should see the claim within the hold window")
	}
	if tbl.InProgress(h, 1, false) {
		t.Fatalf("the claiming channel itself should not conflict with its own claim")
	}
}

func TestFreeReleasesClaim(t *testing.T) {
	tbl := New(2 * time.Second)
	h, _ := hashtoken.New("<free@example.com>")
	tbl.InProgress(h, 1, true)
	tbl.Free(h)
	if tbl.InProgress(h, 2, false) {
		t.Fatalf("expected claim to be released")
	}
}

func TestClaimAgesOut(t *testing.T) {
	tbl := New(20 * time.Millisecond)
	h, _ := hashtoken.New("<age@example.com>")
	tbl.InProgress(h, 1, true)
	time.Sleep(40 * time.Millisecond)
	if tbl.InProgress(h, 2, false) {
		t.Fatalf("expected aged-out claim to stop blocking")
	}
}
