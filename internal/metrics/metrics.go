// Package metrics tracks gateway counters. The counters themselves are
// plain atomics because they sit on the message hot path; Prometheus reads
// them through value-collector funcs, and the dispatcher serializes them as
// JSON for the notify_push_metrics key.
package metrics

import (
	"encoding/json"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Message type labels, matching the wire message kinds.
const (
	TypeFile         = "file"
	TypeActivity     = "activity"
	TypeNotification = "notification"
	TypeCustom       = "custom"
)

type Metrics struct {
	activeConnectionCount atomic.Int64
	activeUserCount       atomic.Int64
	totalConnectionCount  atomic.Int64
	mappingQueryCount     atomic.Int64
	eventsReceived        atomic.Int64
	messagesSent          atomic.Int64
	messagesSentFile      atomic.Int64
	messagesSentActivity  atomic.Int64
	messagesSentNotify    atomic.Int64
	messagesSentCustom    atomic.Int64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "active_connection_count",
			Help: "Number of currently open websocket connections",
		}, func() float64 { return float64(m.ActiveConnectionCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "active_user_count",
			Help: "Number of users with at least one open connection",
		}, func() float64 { return float64(m.ActiveUserCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "total_connection_count",
			Help: "Total number of connections accepted since startup",
		}, func() float64 { return float64(m.totalConnectionCount.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mapping_query_count",
			Help: "Number of storage mapping queries executed",
		}, func() float64 { return float64(m.mappingQueryCount.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "event_count_total",
			Help: "Number of events decoded from the pub/sub stream",
		}, func() float64 { return float64(m.eventsReceived.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "message_count_total",
			Help: "Number of push messages sent to clients",
		}, func() float64 { return float64(m.messagesSent.Load()) }),
	)
	for _, v := range []struct {
		label string
		src   *atomic.Int64
	}{
		{TypeFile, &m.messagesSentFile},
		{TypeActivity, &m.messagesSentActivity},
		{TypeNotification, &m.messagesSentNotify},
		{TypeCustom, &m.messagesSentCustom},
	} {
		src := v.src
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "message_count",
			Help:        "Number of push messages sent to clients by type",
			ConstLabels: prometheus.Labels{"type": v.label},
		}, func() float64 { return float64(src.Load()) }))
	}

	return m
}

// Registry exposes the collectors for the metrics HTTP endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ActiveConnectionCount() int {
	return int(m.activeConnectionCount.Load())
}

func (m *Metrics) ActiveUserCount() int {
	return int(m.activeUserCount.Load())
}

func (m *Metrics) AddConnection() {
	m.totalConnectionCount.Add(1)
	m.activeConnectionCount.Add(1)
}

func (m *Metrics) RemoveConnection() {
	m.activeConnectionCount.Add(-1)
}

func (m *Metrics) AddUser() {
	m.activeUserCount.Add(1)
}

func (m *Metrics) RemoveUser() {
	m.activeUserCount.Add(-1)
}

func (m *Metrics) AddMappingQuery() {
	m.mappingQueryCount.Add(1)
}

func (m *Metrics) AddEvent() {
	m.eventsReceived.Add(1)
}

// AddMessage counts one sent message of the given type label.
func (m *Metrics) AddMessage(messageType string) {
	switch messageType {
	case TypeFile:
		m.messagesSentFile.Add(1)
	case TypeActivity:
		m.messagesSentActivity.Add(1)
	case TypeNotification:
		m.messagesSentNotify.Add(1)
	case TypeCustom:
		m.messagesSentCustom.Add(1)
	}
	m.messagesSent.Add(1)
}

type snapshot struct {
	ActiveConnectionCount    int64 `json:"active_connection_count"`
	ActiveUserCount          int64 `json:"active_user_count"`
	TotalConnectionCount     int64 `json:"total_connection_count"`
	MappingQueryCount        int64 `json:"mapping_query_count"`
	EventsReceived           int64 `json:"events_received"`
	MessagesSent             int64 `json:"messages_sent"`
	MessagesSentFile         int64 `json:"messages_sent_file"`
	MessagesSentActivity     int64 `json:"messages_sent_activity"`
	MessagesSentNotification int64 `json:"messages_sent_notification"`
	MessagesSentCustom       int64 `json:"messages_sent_custom"`
}

// SnapshotJSON serializes the current counter values, used for the
// notify_push_metrics key-value entry.
func (m *Metrics) SnapshotJSON() ([]byte, error) {
	return json.Marshal(snapshot{
		ActiveConnectionCount:    m.activeConnectionCount.Load(),
		ActiveUserCount:          m.activeUserCount.Load(),
		TotalConnectionCount:     m.totalConnectionCount.Load(),
		MappingQueryCount:        m.mappingQueryCount.Load(),
		EventsReceived:           m.eventsReceived.Load(),
		MessagesSent:             m.messagesSent.Load(),
		MessagesSentFile:         m.messagesSentFile.Load(),
		MessagesSentActivity:     m.messagesSentActivity.Load(),
		MessagesSentNotification: m.messagesSentNotify.Load(),
		MessagesSentCustom:       m.messagesSentCustom.Load(),
	})
}
