package partition

import "testing"

func TestSet_MinusRemovesOnlyMatchingMembers(t *testing.T) {
	a := NewSet(TopicPartition{Topic: "orders", Partition: 0}, TopicPartition{Topic: "orders", Partition: 1}, TopicPartition{Topic: "orders", Partition: 2})
	b := NewSet(TopicPartition{Topic: "orders", Partition: 1})

	got := a.Minus(b)
	if got.Len() != 2 || got.Contains(TopicPartition{Topic: "orders", Partition: 1}) {
		t.Fatalf("unexpected result: %v", got.Slice())
	}
	if a.Len() != 3 {
		t.Fatal("Minus must not mutate its receiver")
	}
}

func TestSet_AddAllRemoveAllMutateInPlace(t *testing.T) {
	s := NewSet(TopicPartition{Topic: "orders", Partition: 0})
	s.AddAll(NewSet(TopicPartition{Topic: "orders", Partition: 1}, TopicPartition{Topic: "orders", Partition: 2}))
	if s.Len() != 3 {
		t.Fatalf("want 3 members, got %d", s.Len())
	}

	s.RemoveAll(NewSet(TopicPartition{Topic: "orders", Partition: 1}))
	if s.Len() != 2 || s.Contains(TopicPartition{Topic: "orders", Partition: 1}) {
		t.Fatalf("unexpected result after RemoveAll: %v", s.Slice())
	}
}

func TestSet_AnyReturnsFalseOnEmpty(t *testing.T) {
	s := NewSet()
	if _, ok := s.Any(); ok {
		t.Fatal("expected ok=false for an empty set")
	}
}

func TestSet_CloneIsIndependent(t *testing.T) {
	s := NewSet(TopicPartition{Topic: "orders", Partition: 0})
	clone := s.Clone()
	clone.Add(TopicPartition{Topic: "orders", Partition: 1})

	if s.Len() != 1 {
		t.Fatal("mutating a clone must not affect the original")
	}
}

func TestDisjoint(t *testing.T) {
	a := NewSet(TopicPartition{Topic: "orders", Partition: 0})
	b := NewSet(TopicPartition{Topic: "orders", Partition: 1})
	c := NewSet(TopicPartition{Topic: "orders", Partition: 0})

	if !Disjoint(a, b) {
		t.Fatal("a and b share no members")
	}
	if Disjoint(a, c) {
		t.Fatal("a and c share a member")
	}
}
