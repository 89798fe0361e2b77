package conversation

import (
	"sync"
	"testing"

	"github.com/loomworks/loom/pkg/models"
)

func TestAppendAndMessages(t *testing.T) {
	tr := New()

	tr.Append(models.Message{Role: models.RoleUser, Content: "hello"})
	tr.Append(models.Message{Role: models.RoleAssistant, Content: "hi"})

	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() returned %d entries, want 2", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "hi" {
		t.Errorf("entries out of order: %v", msgs)
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("Append did not stamp the entry timestamp")
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	tr := New()
	tr.Append(models.Message{Role: models.RoleUser, Content: "hello"})

	msgs := tr.Messages()
	msgs[0].Content = "mutated"

	if tr.Messages()[0].Content != "hello" {
		t.Error("mutating the returned slice changed the transcript")
	}
}

func TestLast(t *testing.T) {
	tr := New()
	if tr.Last() != nil {
		t.Error("Last() on empty transcript, want nil")
	}

	tr.Append(models.Message{Role: models.RoleUser, Content: "first"})
	tr.Append(models.Message{Role: models.RoleAssistant, Content: "second"})

	last := tr.Last()
	if last == nil || last.Content != "second" {
		t.Errorf("Last() = %+v, want the newest entry", last)
	}

	last.Content = "mutated"
	if tr.Last().Content != "second" {
		t.Error("mutating Last() result changed the transcript")
	}
}

func TestLen(t *testing.T) {
	tr := New()
	if tr.Len() != 0 {
		t.Errorf("Len() = %d on empty transcript", tr.Len())
	}
	tr.Append(models.Message{Role: models.RoleUser, Content: "hello"})
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
}

func TestConcurrentAppend(t *testing.T) {
	tr := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Append(models.Message{Role: models.RoleUser, Content: "entry"})
		}()
	}
	wg.Wait()

	if tr.Len() != 50 {
		t.Errorf("Len() = %d after concurrent appends, want 50", tr.Len())
	}
}
