package common

import "time"

// Inbound and outbound envelope types
const (
	TypePortfolioUpdate = "portfolio_update"
	TypePriceUpdate     = "price_update"
	TypeNewSignal       = "new_signal"
	TypeSignalExpired   = "signal_expired"
	TypeSignalsUpdate   = "signals_update"
	TypeRiskUpdate      = "risk_update"
	TypeSystemHealth    = "system_health"
	TypeTradeExecuted   = "trade_executed"
	TypeError           = "error"
	TypeHeartbeat       = "heartbeat"
)

// Optimistic update kinds. A kind names the resource to refetch on rollback.
const (
	KindPortfolio    = "portfolio"
	KindSignals      = "signals"
	KindRiskMetrics  = "risk-metrics"
	KindSystemHealth = "system-health"
)

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvWsURL             = "WS_URL"
	EnvReconnectAttempts = "RECONNECT_ATTEMPTS"
	EnvReconnectInterval = "RECONNECT_INTERVAL"
	EnvHeartbeatInterval = "HEARTBEAT_INTERVAL"
	EnvAutoConnect       = "AUTO_CONNECT"
	EnvLedgerGCInterval  = "LEDGER_GC_INTERVAL"
	EnvLedgerRetention   = "LEDGER_RETENTION"
	EnvAckTimeout        = "ACK_TIMEOUT"
	EnvSignalCap         = "SIGNAL_CAP"
	EnvAPIBaseURL        = "API_BASE_URL"
	EnvRESTTimeout       = "REST_TIMEOUT"
	EnvHTTPPort          = "HTTP_PORT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogPretty         = "LOG_PRETTY"
)

// Configuration defaults
const (
	DefaultWsURL             = "ws://localhost:3001"
	DefaultAPIBaseURL        = "http://localhost:3001"
	DefaultReconnectAttempts = 5
	DefaultReconnectInterval = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultLedgerGCInterval  = 60 * time.Second
	DefaultLedgerRetention   = 5 * time.Minute
	DefaultSignalCap         = 20
	DefaultRESTTimeout       = 5 * time.Second
	DefaultHTTPPort          = 8080
	DefaultLogLevel          = "info"
)

// BackoffFactor is the growth rate between successive reconnect delays.
const BackoffFactor = 1.5

// Close codes treated as a clean, server- or user-initiated shutdown.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// UserDisconnectReason is sent with the close frame on an explicit disconnect.
const UserDisconnectReason = "User initiated disconnect"
