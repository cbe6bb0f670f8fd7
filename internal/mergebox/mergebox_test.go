package mergebox

import (
	"testing"

	"github.com/kartikbazzad/ddprouter/internal/ddp"
)

func flushKinds(t *testing.T, b *Box) []ddp.Kind {
	t.Helper()
	msgs, err := b.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	kinds := make([]ddp.Kind, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Msg
	}
	return kinds
}

func TestSingleContributorAddedThenRemoved(t *testing.T) {
	b := New()
	b.ApplyLocalUpsert("sub1", "todos", "t1", map[string]interface{}{"title": "a"})
	kinds := flushKinds(t, b)
	if len(kinds) != 1 || kinds[0] != ddp.KindAdded {
		t.Fatalf("expected single added, got %v", kinds)
	}

	b.ApplyLocalRemove("sub1", "todos", "t1")
	kinds = flushKinds(t, b)
	if len(kinds) != 1 || kinds[0] != ddp.KindRemoved {
		t.Fatalf("expected single removed, got %v", kinds)
	}
}

func TestAddThenRemoveInSameBatchProducesNothing(t *testing.T) {
	b := New()
	b.ApplyLocalUpsert("sub1", "todos", "t1", map[string]interface{}{"title": "a"})
	b.ApplyLocalRemove("sub1", "todos", "t1")
	kinds := flushKinds(t, b)
	if len(kinds) != 0 {
		t.Fatalf("expected no messages, got %v", kinds)
	}
}

func TestFieldChangedAfterAdd(t *testing.T) {
	b := New()
	b.ApplyLocalUpsert("sub1", "todos", "t1", map[string]interface{}{"title": "a", "done": false})
	flushKinds(t, b)

	b.ApplyLocalUpsert("sub1", "todos", "t1", map[string]interface{}{"title": "a", "done": true})
	msgs, err := b.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Msg != ddp.KindChanged {
		t.Fatalf("expected single changed, got %v", msgs)
	}
}

func TestMultipleContributorsKeepDocVisibleUntilLastRemoved(t *testing.T) {
	b := New()
	b.ApplyLocalUpsert("sub1", "todos", "t1", map[string]interface{}{"title": "a"})
	flushKinds(t, b)

	b.ApplyLocalUpsert("sub2", "todos", "t1", map[string]interface{}{"owner": "bob"})
	msgs, err := b.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Msg != ddp.KindChanged {
		t.Fatalf("expected changed adding owner field, got %v", msgs)
	}

	b.ApplyLocalRemove("sub1", "todos", "t1")
	msgs, err = b.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Msg != ddp.KindChanged {
		t.Fatalf("expected changed clearing title (owner still contributed), got %v", msgs)
	}

	b.ApplyLocalRemove("sub2", "todos", "t1")
	msgs, err = b.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Msg != ddp.KindRemoved {
		t.Fatalf("expected removed once last contributor drops, got %v", msgs)
	}
}

func TestRemoveSubscriptionClearsAllItsDocs(t *testing.T) {
	b := New()
	b.ApplyLocalUpsert("sub1", "todos", "t1", map[string]interface{}{"title": "a"})
	b.ApplyLocalUpsert("sub1", "todos", "t2", map[string]interface{}{"title": "b"})
	flushKinds(t, b)

	b.RemoveSubscription("sub1")
	msgs, err := b.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected two removed messages, got %v", msgs)
	}
	for _, m := range msgs {
		if m.Msg != ddp.KindRemoved {
			t.Errorf("expected removed, got %v", m.Msg)
		}
	}
}

func TestUpstreamChangedClearsFields(t *testing.T) {
	b := New()
	b.ApplyExternalAdded("todos", "t1", map[string]interface{}{"title": "a", "done": false})
	flushKinds(t, b)

	b.ApplyExternalChanged("todos", "t1", nil, []string{"done"})
	msgs, err := b.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Msg != ddp.KindChanged {
		t.Fatalf("expected changed clearing done, got %v", msgs)
	}
}

func TestNoFlushWhenNothingDirty(t *testing.T) {
	b := New()
	kinds := flushKinds(t, b)
	if len(kinds) != 0 {
		t.Fatalf("expected no messages on empty box, got %v", kinds)
	}
}
