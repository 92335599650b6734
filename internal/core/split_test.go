package core

import (
	"errors"
	"testing"
)

func members(ids ...int64) []Participant {
	out := make([]Participant, len(ids))
	for i, id := range ids {
		out[i] = Participant{UserID: id, Quantity: 1, JoinedSeq: int64(i + 1)}
	}
	return out
}

func TestSplitEvenWithExternal(t *testing.T) {
	s, err := Split(100, members(1, 2, 3), 1)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if s.Count != 4 || s.Share != 25 || s.Remainder != 0 {
		t.Fatalf("unexpected split header: %+v", s)
	}
	for _, sh := range s.Shares {
		if sh.Amount != 25 {
			t.Fatalf("user %d pays %d, want 25", sh.UserID, sh.Amount)
		}
	}
	if s.CreatorNet != 75 || s.ExternalsTotal != 25 {
		t.Fatalf("creator net %d externals %d, want 75 and 25", s.CreatorNet, s.ExternalsTotal)
	}
}

func TestSplitRemainderFollowsJoinOrder(t *testing.T) {
	s, err := Split(101, members(1, 2, 3), 0)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	want := []int64{34, 34, 33}
	for i, sh := range s.Shares {
		if sh.Amount != want[i] {
			t.Fatalf("share %d = %d, want %d", i, sh.Amount, want[i])
		}
	}
	if s.CreatorNet != 101 {
		t.Fatalf("creator net = %d, want 101", s.CreatorNet)
	}
}

func TestSplitRemainderSpillsToExternals(t *testing.T) {
	s, err := Split(7, members(1), 3)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if s.Shares[0].Amount != 2 {
		t.Fatalf("participant pays %d, want 2", s.Shares[0].Amount)
	}
	if s.ExternalsTotal != 5 || s.CreatorNet != 2 {
		t.Fatalf("externals %d creator net %d, want 5 and 2", s.ExternalsTotal, s.CreatorNet)
	}
}

func TestSplitQuantityWeighting(t *testing.T) {
	ps := []Participant{
		{UserID: 1, Quantity: 1, JoinedSeq: 1},
		{UserID: 2, Quantity: 3, JoinedSeq: 2},
	}
	s, err := Split(10, ps, 0)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	// count 4, share 2, remainder 2: slot 1 (user 1) and slot 2 (user 2) get +1
	if s.Shares[0].Amount != 3 || s.Shares[1].Amount != 7 {
		t.Fatalf("unexpected shares: %+v", s.Shares)
	}
}

func TestSplitConservesAmount(t *testing.T) {
	for amount := int64(1); amount <= 257; amount += 7 {
		for n := 1; n <= 6; n++ {
			for ext := 0; ext <= 4; ext++ {
				ids := make([]int64, n)
				for i := range ids {
					ids[i] = int64(i + 1)
				}
				s, err := Split(amount, members(ids...), ext)
				if err != nil {
					t.Fatalf("Split(%d,%d,%d) error = %v", amount, n, ext, err)
				}
				var sum, plusOne int64
				for _, sh := range s.Shares {
					sum += sh.Amount
					if sh.Amount != s.Share && sh.Amount != s.Share+1 {
						t.Fatalf("share %d outside [%d,%d]", sh.Amount, s.Share, s.Share+1)
					}
					if sh.Amount == s.Share+1 {
						plusOne++
					}
				}
				plusOne += s.ExternalsTotal - s.Share*int64(ext)
				if sum+s.ExternalsTotal != amount {
					t.Fatalf("Split(%d,%d,%d) sums to %d", amount, n, ext, sum+s.ExternalsTotal)
				}
				if plusOne != amount%int64(n+ext) {
					t.Fatalf("Split(%d,%d,%d) has %d extra cents, want %d", amount, n, ext, plusOne, amount%int64(n+ext))
				}
			}
		}
	}
}

func TestSplitErrors(t *testing.T) {
	if _, err := Split(100, nil, 0); !errors.Is(err, ErrEmptyOperation) {
		t.Fatalf("expected ErrEmptyOperation, got %v", err)
	}
	if _, err := Split(0, members(1), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := Split(10, members(1), -1); !errors.Is(err, ErrNegativeExternalCount) {
		t.Fatalf("expected ErrNegativeExternalCount, got %v", err)
	}
}

func TestSplitOnlyExternals(t *testing.T) {
	s, err := Split(10, nil, 3)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if s.ExternalsTotal != 10 || s.CreatorNet != 0 {
		t.Fatalf("unexpected split: %+v", s)
	}
}
