package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/mq"
)

const ocrMessage = `{
	"messageId": "m-1",
	"taskId": "t1",
	"userId": "u1",
	"imageId": "img-1",
	"rectangles": [{"id": 1, "class": "text", "x": 0, "y": 0, "width": 10, "height": 10}],
	"retryCount": 0,
	"maxRetries": 3
}`

func newTestOCR(recognizer Recognizer, sender *retrySender, maxRetries int) (*OCRProcessor, *memStore, *fakeEvents) {
	store := newMemStore()
	ev := &fakeEvents{}
	p := NewOCRProcessor(OCRConfig{
		Base:       testBaseConfig(sender, maxRetries),
		Store:      store,
		Events:     ev,
		Recognizer: recognizer,
	})
	return p, store, ev
}

func ocrHandler(p *OCRProcessor) mq.Handler {
	return p.Handler(Route{Queue: mq.QueueOCRProcess, Job: p.process})
}

func TestOCRProcessor_SucceedsOnLastRetry(t *testing.T) {
	sender := &retrySender{}
	recognizer := &fakeRecognizer{failures: 3}
	p, store, ev := newTestOCR(recognizer, sender, 3)

	decisions := deliver(t, ocrHandler(p), sender, mq.QueueOCRProcess, ocrMessage)

	// 3 неудачи с повтором, 4-я попытка (retryCount=3) успешна
	want := []mq.Decision{mq.Ack, mq.Ack, mq.Ack, mq.Ack}
	if len(decisions) != len(want) {
		t.Fatalf("decisions = %v, want %v", decisions, want)
	}
	if recognizer.count() != 4 {
		t.Errorf("recognize calls = %d, want 4", recognizer.count())
	}

	rec := store.task(t, "t1")
	if rec.Status != domain.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.Attempt != 4 {
		t.Errorf("attempt = %d, want 4", rec.Attempt)
	}
	if rec.Progress != 100 {
		t.Errorf("progress = %d, want 100", rec.Progress)
	}
	if _, ok := store.results["t1"]; !ok {
		t.Error("result not saved")
	}

	stats := p.Stats()
	if stats.Processed != 1 || stats.Failed != 3 {
		t.Errorf("stats processed=%d failed=%d, want 1/3", stats.Processed, stats.Failed)
	}

	// Промежуточные неудачи пользователю не показываются
	if got := ev.types(ev.user); len(got) != 1 || got[0] != domain.NotificationOCRCompleted {
		t.Errorf("user notifications = %v, want only %s", got, domain.NotificationOCRCompleted)
	}
}

func TestOCRProcessor_RetriesExhausted(t *testing.T) {
	sender := &retrySender{}
	recognizer := &fakeRecognizer{failures: 100}
	p, store, ev := newTestOCR(recognizer, sender, 3)

	body := `{"taskId":"t2","userId":"u1","imageId":"img","rectangles":[{"id":"a"}],"maxRetries":2}`
	decisions := deliver(t, ocrHandler(p), sender, mq.QueueOCRProcess, body)

	// maxRetries из сообщения важнее значения обработчика
	want := []mq.Decision{mq.Ack, mq.Ack, mq.NackDiscard}
	if len(decisions) != len(want) {
		t.Fatalf("decisions = %v, want %v", decisions, want)
	}
	for i := range want {
		if decisions[i] != want[i] {
			t.Errorf("decision[%d] = %v, want %v", i, decisions[i], want[i])
		}
	}
	if recognizer.count() != 3 {
		t.Errorf("recognize calls = %d, want 3", recognizer.count())
	}

	rec := store.task(t, "t2")
	if rec.Status != domain.TaskStatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Error == "" {
		t.Error("error not recorded")
	}

	// Пользователь узнаёт об ошибке один раз, после последней попытки
	if got := ev.types(ev.user); len(got) != 1 || got[0] != domain.NotificationOCRFailed {
		t.Errorf("user notifications = %v, want one %s", got, domain.NotificationOCRFailed)
	}
	if got := ev.types(ev.internal); len(got) != 1 {
		t.Errorf("internal notifications = %v, want one", got)
	}
}

func TestOCRProcessor_RetryKeepsUnknownFields(t *testing.T) {
	sender := &retrySender{}
	p, _, _ := newTestOCR(&fakeRecognizer{failures: 1}, sender, 3)

	body := `{"taskId":"t3","userId":"u1","imageId":"img","rectangles":[{"id":"a"}],"traceId":"abc"}`
	d := &mq.Delivery{Queue: mq.QueueOCRProcess, Body: []byte(body)}
	if got := ocrHandler(p)(t.Context(), d); got != mq.Ack {
		t.Fatalf("decision = %v, want ack", got)
	}

	pub, ok := sender.take()
	if !ok {
		t.Fatal("no retry published")
	}
	var fields map[string]any
	if err := json.Unmarshal(pub.body, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["retryCount"] != float64(1) {
		t.Errorf("retryCount = %v, want 1", fields["retryCount"])
	}
	if fields["traceId"] != "abc" {
		t.Errorf("traceId lost: %v", fields)
	}
}

func TestOCRProcessor_RepublishFailureDeadLetters(t *testing.T) {
	sender := &retrySender{err: errors.New("broker down")}
	p, _, _ := newTestOCR(&fakeRecognizer{failures: 1}, sender, 3)

	d := &mq.Delivery{Queue: mq.QueueOCRProcess, Body: []byte(ocrMessage)}
	if got := ocrHandler(p)(t.Context(), d); got != mq.NackDiscard {
		t.Errorf("decision = %v, want nack", got)
	}
}

func TestOCRProcessor_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing rectangles", `{"taskId":"t","userId":"u","imageId":"i"}`},
		{"empty task id", `{"taskId":"","userId":"u","imageId":"i","rectangles":[]}`},
		{"null user", `{"taskId":"t","userId":null,"imageId":"i","rectangles":[]}`},
		{"not an object", `[1,2,3]`},
		{"bad retry count", `{"taskId":"t","userId":"u","imageId":"i","rectangles":[],"retryCount":"x"}`},
		{"image id with path", `{"taskId":"t","userId":"u","imageId":"../i","rectangles":[{"id":"a"}]}`},
		{"rectangle id with path", `{"taskId":"t","userId":"u","imageId":"i","rectangles":[{"id":"../../x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &retrySender{}
			recognizer := &fakeRecognizer{}
			p, store, _ := newTestOCR(recognizer, sender, 3)

			d := &mq.Delivery{Queue: mq.QueueOCRProcess, Body: []byte(tt.body)}
			if got := ocrHandler(p)(t.Context(), d); got != mq.NackDiscard {
				t.Errorf("decision = %v, want nack", got)
			}
			if recognizer.count() != 0 {
				t.Error("recognizer called for invalid message")
			}
			if len(store.tasks) != 0 {
				t.Error("task record written for invalid message")
			}
			if _, ok := sender.take(); ok {
				t.Error("invalid message was retried")
			}
			if p.Stats().Failed != 1 {
				t.Errorf("failed = %d, want 1", p.Stats().Failed)
			}
		})
	}
}

func TestOCRProcessor_SkipsCompletedTask(t *testing.T) {
	sender := &retrySender{}
	recognizer := &fakeRecognizer{}
	p, store, _ := newTestOCR(recognizer, sender, 3)

	rec := domain.NewTaskRecord("t1", "u1", "img-1", domain.TaskKindOCR)
	rec.MarkProcessing(1, 10, "")
	rec.MarkCompleted(json.RawMessage(`{}`), 0, "done")
	store.tasks["t1"] = *rec

	d := &mq.Delivery{Queue: mq.QueueOCRProcess, Body: []byte(ocrMessage)}
	if got := ocrHandler(p)(t.Context(), d); got != mq.Ack {
		t.Errorf("decision = %v, want ack", got)
	}
	if recognizer.count() != 0 {
		t.Error("completed task was processed again")
	}
}

func TestOCRProcessor_ProgressMonotonic(t *testing.T) {
	sender := &retrySender{}
	p, _, ev := newTestOCR(&fakeRecognizer{failures: 1}, sender, 3)

	deliver(t, ocrHandler(p), sender, mq.QueueOCRProcess, ocrMessage)

	last := -1
	for _, u := range ev.statuses {
		switch u.Status {
		case domain.TaskStatusFailed:
			last = -1 // новая попытка считает заново
			continue
		case domain.TaskStatusProcessing, domain.TaskStatusCompleted:
		default:
			t.Fatalf("unexpected status %s", u.Status)
		}
		if u.Progress < last {
			t.Fatalf("progress went down: %d after %d", u.Progress, last)
		}
		last = u.Progress
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
}

func TestOCRProcessor_UnsuccessfulResultIsFailure(t *testing.T) {
	sender := &retrySender{}
	p, store, ev := newTestOCR(recognizerFunc(func() (*domain.OCRResult, error) {
		return &domain.OCRResult{Success: false, Error: "engine crashed"}, nil
	}), sender, 3)

	body := `{"taskId":"t5","userId":"u1","imageId":"img","rectangles":[{"id":"a"}],"maxRetries":0}`
	decisions := deliver(t, ocrHandler(p), sender, mq.QueueOCRProcess, body)
	if len(decisions) != 1 || decisions[0] != mq.NackDiscard {
		t.Fatalf("decisions = %v, want [nack]", decisions)
	}
	if store.task(t, "t5").Status != domain.TaskStatusFailed {
		t.Error("task not marked failed")
	}

	internal := ev.types(ev.internal)
	if len(internal) != 1 || internal[0] != domain.NotificationOCRFailed {
		t.Errorf("internal notifications = %v", internal)
	}
}

type recognizerFunc func() (*domain.OCRResult, error)

func (f recognizerFunc) Recognize(_ context.Context, _ string, _ []domain.Rectangle) (*domain.OCRResult, error) {
	return f()
}
