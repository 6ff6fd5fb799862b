package models

const (
	// DefaultProbeIntervalSec интервал проверки доступности центрального сервера
	DefaultProbeIntervalSec = 15

	// DefaultProbeTimeoutSec таймаут одной проверки
	DefaultProbeTimeoutSec = 5

	// DefaultItemTimeoutSec таймаут отправки одного элемента очереди
	DefaultItemTimeoutSec = 30

	// DefaultBatchSize размер пачки за один цикл диспетчера
	DefaultBatchSize = 20

	// DefaultParallelism количество одновременных отправок
	DefaultParallelism = 4

	// DefaultMaxInFlight глобальный лимит элементов в полёте
	DefaultMaxInFlight = 16

	// DefaultBackoffBaseSec базовая задержка повтора
	DefaultBackoffBaseSec = 2

	// DefaultBackoffCapSec максимальная задержка повтора (15 минут)
	DefaultBackoffCapSec = 15 * 60

	// DefaultCriticalCapSec максимальная задержка для критичных элементов (2 минуты)
	DefaultCriticalCapSec = 2 * 60

	// DefaultCapExponent ограничение показателя экспоненты
	DefaultCapExponent = 8

	// DefaultJitterMs окно случайной добавки к задержке
	DefaultJitterMs = 1000

	// DefaultEscalateAfter число подряд неудач критичного элемента до эскалации
	DefaultEscalateAfter = 3

	// DefaultErrorStreak число подряд неретраибельных ошибок до состояния error
	DefaultErrorStreak = 3

	// DefaultFreshnessWindowSec окно свежести последней успешной синхронизации (5 минут)
	DefaultFreshnessWindowSec = 5 * 60

	// DefaultPendingLowWater нижняя граница очереди для статуса healthy
	DefaultPendingLowWater = 25

	// DefaultPendingHighWater верхняя граница очереди для статуса degraded
	DefaultPendingHighWater = 200

	// DefaultMaxDisconnectedSec максимальное время offline/error до статуса critical
	DefaultMaxDisconnectedSec = 30 * 60

	// DefaultRecentErrors количество последних ошибок на дашборде
	DefaultRecentErrors = 10

	// WakeQueueSize размер внутренней очереди сигналов пробуждения
	WakeQueueSize = 1000
)
