package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatlink_state",
			Help: "Current connection state per client (1 for the active state)",
		},
		[]string{"client", "state"},
	)

	reconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_reconnect_attempts_total",
			Help: "Total scheduled reconnect attempts",
		},
		[]string{"client"},
	)

	giveUpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_give_ups_total",
			Help: "Total fatal terminations by kind",
		},
		[]string{"kind"}, // auth|give_up
	)

	heartbeatMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_heartbeat_misses_total",
		Help: "Total heartbeat cycles without any inbound traffic",
	})

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatlink_queue_depth",
			Help: "Outbound messages waiting for a sendable connection",
		},
		[]string{"client"},
	)

	messagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_messages_sent_total",
		Help: "Total outbound messages accepted by the transport",
	})

	messagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_messages_received_total",
			Help: "Total inbound frames by type",
		},
		[]string{"type"},
	)

	sendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_send_failures_total",
		Help: "Total transport send failures (message stays queued)",
	})

	parseErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_parse_errors_total",
		Help: "Total malformed inbound frames",
	})

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_commands_total",
			Help: "Total CLI commands executed by name",
		},
		[]string{"name"},
	)

	commandErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_command_errors_total",
			Help: "Total CLI command errors by reason",
		},
		[]string{"reason"}, // not_found|handler
	)
)

func init() {
	prometheus.MustRegister(
		connectionState,
		reconnectAttemptsTotal,
		giveUpsTotal,
		heartbeatMissesTotal,
		queueDepth,
		messagesSentTotal,
		messagesReceivedTotal,
		sendFailuresTotal,
		parseErrorsTotal,
		commandsTotal,
		commandErrorsTotal,
	)
}

// SetState 将 client 的状态 gauge 切到 to
func SetState(client, from, to string) {
	if from != "" {
		connectionState.WithLabelValues(client, from).Set(0)
	}
	connectionState.WithLabelValues(client, to).Set(1)
}

func IncReconnect(client string)         { reconnectAttemptsTotal.WithLabelValues(client).Inc() }
func IncFatal(kind string)               { giveUpsTotal.WithLabelValues(kind).Inc() }
func IncHeartbeatMiss()                  { heartbeatMissesTotal.Inc() }
func SetQueueDepth(client string, n int) { queueDepth.WithLabelValues(client).Set(float64(n)) }
func IncSent()                           { messagesSentTotal.Inc() }
func IncReceived(frameType string)       { messagesReceivedTotal.WithLabelValues(frameType).Inc() }
func IncSendFailure()                    { sendFailuresTotal.Inc() }
func IncParseError()                     { parseErrorsTotal.Inc() }
func IncCommand(name string)             { commandsTotal.WithLabelValues(name).Inc() }
func IncCommandError(reason string)      { commandErrorsTotal.WithLabelValues(reason).Inc() }
