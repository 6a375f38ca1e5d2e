package mq

import (
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeDefault — безымянный обменник, routing key = имя очереди.
	ExchangeDefault    Exchange = ""
	ExchangeDirect     Exchange = "ocr.direct"
	ExchangeDeadLetter Exchange = "dead.letter"
)

// Queues — имена очередей. Должны совпадать во всех сервисах.
const (
	QueueDocumentAnalysis  Queue = "document.analysis"
	QueueOCRProcess        Queue = "ocr.process"
	QueueTaskStatus        Queue = "task.status.update"
	QueueUserNotification  Queue = "user.notification"
	QueueDocumentDetection Queue = "python.document.detection"
	QueuePythonOCR         Queue = "python.ocr"
	QueueOCRRequest        Queue = "python.to.node.ocr"
	QueueOCRResult         Queue = "node.to.python.ocr.result"
	QueueNotifications     Queue = "notifications"
	QueueDeadLetter        Queue = "dead.letter.queue"
)

// Routing keys.
const (
	RoutingKeyOCRProcess       RoutingKey = "ocr.process"
	RoutingKeyTaskStatus       RoutingKey = "task.status.update"
	RoutingKeyUserNotification RoutingKey = "user.notification"
	RoutingKeyDeadLetter       RoutingKey = "dead.letter"
)

// ExchangeSpec — объявление обменника.
type ExchangeSpec struct {
	Name    Exchange
	Kind    string
	Durable bool
}

// QueueSpec — объявление очереди.
// Если DeadLetterExchange задан, отклонённые (nack без requeue) сообщения уходят туда.
type QueueSpec struct {
	Name                 Queue
	Durable              bool
	DeadLetterExchange   Exchange
	DeadLetterRoutingKey RoutingKey
}

// Args возвращает аргументы x-dead-letter-* для QueueDeclare.
func (q QueueSpec) Args() amqp.Table {
	if q.DeadLetterExchange == "" {
		return nil
	}
	args := amqp.Table{
		"x-dead-letter-exchange": string(q.DeadLetterExchange),
	}
	if q.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = string(q.DeadLetterRoutingKey)
	}
	return args
}

// BindingSpec — привязка очереди к обменнику.
type BindingSpec struct {
	Exchange   Exchange
	Queue      Queue
	RoutingKey RoutingKey
}

// Topology — полный набор обменников, очередей и привязок.
//
// Объявляется при каждом подключении. Повторное объявление с теми же
// параметрами для брокера — no-op, поэтому Declare идемпотентен.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []BindingSpec
}

// Declarer — часть amqp.Channel, нужная для объявления топологии.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DefaultTopology возвращает топологию docflow.
func DefaultTopology() Topology {
	dlx := func(name Queue) QueueSpec {
		return QueueSpec{
			Name:                 name,
			Durable:              true,
			DeadLetterExchange:   ExchangeDeadLetter,
			DeadLetterRoutingKey: RoutingKeyDeadLetter,
		}
	}
	plain := func(name Queue) QueueSpec {
		return QueueSpec{Name: name, Durable: true}
	}

	return Topology{
		Exchanges: []ExchangeSpec{
			{Name: ExchangeDirect, Kind: amqp.ExchangeDirect, Durable: true},
			{Name: ExchangeDeadLetter, Kind: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueSpec{
			dlx(QueueDocumentAnalysis),
			dlx(QueueOCRProcess),
			dlx(QueueTaskStatus),
			// user.notification без DLX — так её объявляет node-сервис
			plain(QueueUserNotification),
			dlx(QueueDocumentDetection),
			dlx(QueuePythonOCR),
			dlx(QueueNotifications),
			// Очереди обмена с партнёрским OCR-сервисом: аргументы должны
			// совпадать с его объявлением, иначе PRECONDITION_FAILED.
			plain(QueueOCRRequest),
			plain(QueueOCRResult),
			plain(QueueDeadLetter),
		},
		Bindings: []BindingSpec{
			{Exchange: ExchangeDirect, Queue: QueueOCRProcess, RoutingKey: RoutingKeyOCRProcess},
			{Exchange: ExchangeDirect, Queue: QueueTaskStatus, RoutingKey: RoutingKeyTaskStatus},
			{Exchange: ExchangeDirect, Queue: QueueUserNotification, RoutingKey: RoutingKeyUserNotification},
			{Exchange: ExchangeDeadLetter, Queue: QueueDeadLetter, RoutingKey: RoutingKeyDeadLetter},
		},
	}
}

// Validate проверяет, что привязки и DLX ссылаются на объявленные сущности.
func (t Topology) Validate() error {
	exchanges := make(map[Exchange]bool, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			return errors.New("exchange with empty name")
		}
		exchanges[ex.Name] = true
	}

	queues := make(map[Queue]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return errors.New("queue with empty name")
		}
		if queues[q.Name] {
			return fmt.Errorf("queue %s declared twice", q.Name)
		}
		queues[q.Name] = true

		if q.DeadLetterExchange != "" && !exchanges[q.DeadLetterExchange] {
			return fmt.Errorf("queue %s: unknown dead-letter exchange %s", q.Name, q.DeadLetterExchange)
		}
	}

	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			return fmt.Errorf("binding %s: unknown exchange %s", b.Queue, b.Exchange)
		}
		if !queues[b.Queue] {
			return fmt.Errorf("binding %s: unknown queue", b.Queue)
		}
	}

	return nil
}

// Declare объявляет exchanges, queues и bindings на канале.
func (t Topology) Declare(ch Declarer) error {
	// 1. Создаём exchanges
	for _, ex := range t.Exchanges {
		err := ch.ExchangeDeclare(
			string(ex.Name), // name
			ex.Kind,         // type
			ex.Durable,      // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	// 2. Создаём queues
	for _, q := range t.Queues {
		_, err := ch.QueueDeclare(
			string(q.Name), // name
			q.Durable,      // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.Args(),       // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}

	// 3. Привязываем queues к exchanges
	for _, b := range t.Bindings {
		err := ch.QueueBind(
			string(b.Queue),      // queue name
			string(b.RoutingKey), // routing key
			string(b.Exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}

	return nil
}

// Describe возвращает описание топологии для логирования.
func (t Topology) Describe() string {
	var sb strings.Builder
	sb.WriteString("docflow RabbitMQ topology:\n")

	bound := make(map[Queue]bool)
	for _, ex := range t.Exchanges {
		fmt.Fprintf(&sb, "  %s (%s)\n", ex.Name, ex.Kind)
		for _, b := range t.Bindings {
			if b.Exchange != ex.Name {
				continue
			}
			bound[b.Queue] = true
			fmt.Fprintf(&sb, "    └── %s [routing: %s]\n", b.Queue, b.RoutingKey)
		}
	}

	sb.WriteString("  (default exchange)\n")
	for _, q := range t.Queues {
		if bound[q.Name] {
			continue
		}
		if q.DeadLetterExchange != "" {
			fmt.Fprintf(&sb, "    └── %s [DLX: %s]\n", q.Name, q.DeadLetterExchange)
		} else {
			fmt.Fprintf(&sb, "    └── %s\n", q.Name)
		}
	}

	return sb.String()
}
