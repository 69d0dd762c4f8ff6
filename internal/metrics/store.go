package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	conversationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "store", "conversations"),
		"Stored conversations, by sync status",
		[]string{"status"}, nil)
	messagesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "store", "messages"),
		"Stored messages, tombstoned included",
		nil, nil)
)

// storeCollector reads totals from the store on scrape.
type storeCollector struct {
	counts Counts
	logger *zap.Logger
}

func (s *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- conversationsDesc
	ch <- messagesDesc
}

func (s *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	byStatus, err := s.counts.CountConversationsByStatus(ctx)
	if err != nil {
		s.logger.Warn("failed to count conversations", zap.Error(err))
	} else {
		for st, n := range byStatus {
			ch <- prometheus.MustNewConstMetric(conversationsDesc, prometheus.GaugeValue, float64(n), string(st))
		}
	}

	n, err := s.counts.CountMessages(ctx)
	if err != nil {
		s.logger.Warn("failed to count messages", zap.Error(err))
		return
	}
	ch <- prometheus.MustNewConstMetric(messagesDesc, prometheus.GaugeValue, float64(n))
}
