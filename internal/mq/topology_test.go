package mq

import (
	"errors"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

// recordingDeclarer запоминает объявления вместо обращения к брокеру.
type recordingDeclarer struct {
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  []string
	failQueue string
}

func newRecordingDeclarer() *recordingDeclarer {
	return &recordingDeclarer{
		exchanges: make(map[string]string),
		queues:    make(map[string]amqp.Table),
	}
}

func (r *recordingDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	r.exchanges[name] = kind
	return nil
}

func (r *recordingDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == r.failQueue {
		return amqp.Queue{}, errors.New("PRECONDITION_FAILED")
	}
	r.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (r *recordingDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	r.bindings = append(r.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func TestDefaultTopology_Valid(t *testing.T) {
	if err := DefaultTopology().Validate(); err != nil {
		t.Fatalf("default topology is invalid: %v", err)
	}
}

func TestDefaultTopology_Declare(t *testing.T) {
	d := newRecordingDeclarer()
	if err := DefaultTopology().Declare(d); err != nil {
		t.Fatalf("declare: %v", err)
	}

	for _, ex := range []Exchange{ExchangeDirect, ExchangeDeadLetter} {
		if d.exchanges[string(ex)] != amqp.ExchangeDirect {
			t.Errorf("exchange %s not declared as direct", ex)
		}
	}

	withDLX := []Queue{
		QueueDocumentAnalysis, QueueOCRProcess, QueueTaskStatus,
		QueueDocumentDetection, QueuePythonOCR, QueueNotifications,
	}
	for _, q := range withDLX {
		args, ok := d.queues[string(q)]
		if !ok {
			t.Errorf("queue %s not declared", q)
			continue
		}
		if args["x-dead-letter-exchange"] != string(ExchangeDeadLetter) {
			t.Errorf("queue %s: expected DLX %s, got %v", q, ExchangeDeadLetter, args["x-dead-letter-exchange"])
		}
	}

	// Очереди, объявляемые другими сервисами, — без аргументов
	for _, q := range []Queue{QueueUserNotification, QueueOCRRequest, QueueOCRResult, QueueDeadLetter} {
		args, ok := d.queues[string(q)]
		if !ok {
			t.Errorf("queue %s not declared", q)
			continue
		}
		if args != nil {
			t.Errorf("queue %s: expected no arguments, got %v", q, args)
		}
	}

	want := []string{
		"ocr.direct/ocr.process->ocr.process",
		"ocr.direct/task.status.update->task.status.update",
		"ocr.direct/user.notification->user.notification",
		"dead.letter/dead.letter->dead.letter.queue",
	}
	if strings.Join(d.bindings, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected bindings:\n got %v\nwant %v", d.bindings, want)
	}
}

func TestTopology_Declare_Idempotent(t *testing.T) {
	d := newRecordingDeclarer()
	topo := DefaultTopology()

	if err := topo.Declare(d); err != nil {
		t.Fatalf("first declare: %v", err)
	}
	queues := len(d.queues)
	if err := topo.Declare(d); err != nil {
		t.Fatalf("second declare: %v", err)
	}
	if len(d.queues) != queues {
		t.Errorf("re-declare changed queue set: %d -> %d", queues, len(d.queues))
	}
}

func TestTopology_Declare_Error(t *testing.T) {
	d := newRecordingDeclarer()
	d.failQueue = string(QueueOCRProcess)

	err := DefaultTopology().Declare(d)
	if err == nil || !strings.Contains(err.Error(), string(QueueOCRProcess)) {
		t.Fatalf("expected error mentioning %s, got %v", QueueOCRProcess, err)
	}
}

func TestTopology_Validate(t *testing.T) {
	tests := []struct {
		name string
		topo Topology
	}{
		{
			name: "unknown exchange in binding",
			topo: Topology{
				Queues:   []QueueSpec{{Name: "q"}},
				Bindings: []BindingSpec{{Exchange: "missing", Queue: "q"}},
			},
		},
		{
			name: "unknown queue in binding",
			topo: Topology{
				Exchanges: []ExchangeSpec{{Name: "ex", Kind: "direct"}},
				Bindings:  []BindingSpec{{Exchange: "ex", Queue: "missing"}},
			},
		},
		{
			name: "unknown dead-letter exchange",
			topo: Topology{
				Queues: []QueueSpec{{Name: "q", DeadLetterExchange: "missing"}},
			},
		},
		{
			name: "duplicate queue",
			topo: Topology{
				Queues: []QueueSpec{{Name: "q"}, {Name: "q"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.topo.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestTopology_Describe(t *testing.T) {
	out := DefaultTopology().Describe()
	for _, want := range []string{"ocr.direct", "dead.letter.queue", "python.to.node.ocr", "[DLX: dead.letter]"} {
		if !strings.Contains(out, want) {
			t.Errorf("description should mention %q:\n%s", want, out)
		}
	}
}
