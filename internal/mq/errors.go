package mq

import "errors"

// Ошибки брокерного слоя.
var (
	// ErrNotConnected — нет открытого соединения или канала.
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrClosed — соединение закрыто через Disconnect и больше не переподключается.
	ErrClosed = errors.New("connection closed")

	// ErrReconnectExhausted — исчерпаны попытки переподключения.
	// Фатальное состояние: Health() сообщает disconnected.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrPublishFailed — сообщение не опубликовано после всех повторов.
	// Доставка не гарантирована, решение за вызывающим.
	ErrPublishFailed = errors.New("publish failed")

	// ErrSerialization — сообщение не удалось сериализовать или разобрать.
	ErrSerialization = errors.New("serialization error")

	// ErrChannelClosed — канал доставки закрылся (обрыв соединения).
	ErrChannelClosed = errors.New("deliveries channel closed")

	// ErrGaveUp — супервизор исчерпал перезапуски.
	ErrGaveUp = errors.New("supervisor gave up")
)
