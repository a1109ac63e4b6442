// Package securityevent is the internal alerting channel. Integrity
// violations, blacklist trips and session anomalies are fanned out to the
// kafka topic, the clickhouse analytics table and the diagnostics search
// index. Delivery is best-effort: a sink failure is logged, never surfaced
// to the request, and detail strings never reach end users.
package securityevent

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"authcore/internal/bucketing"
	"authcore/internal/client"
	"authcore/internal/models"
	"authcore/internal/util"
)

// Dispatcher publishes security events to every configured sink. Any sink
// may be nil (disabled).
type Dispatcher struct {
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	elastic    *client.ESClient
	buckets    *bucketing.BucketingManager
	logger     *zap.Logger
}

func NewDispatcher(
	kafka *client.KafkaProducer,
	clickhouse *client.ClickHouseClient,
	elastic *client.ESClient,
	buckets *bucketing.BucketingManager,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		kafka:      kafka,
		clickhouse: clickhouse,
		elastic:    elastic,
		buckets:    buckets,
		logger:     logger,
	}
}

// Publish fans one event out to all sinks concurrently.
func (d *Dispatcher) Publish(ctx context.Context, kind, ip, userID string, severity int, detail string) {
	ev := &models.SecurityEvent{
		EventBucket: d.buckets.EventBucket(ip),
		EventTime:   time.Now().UTC(),
		Kind:        kind,
		IP:          ip,
		UserID:      userID,
		Severity:    severity,
		Detail:      detail,
	}

	// Bounded so a slow sink cannot hold the request path hostage.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)

	g, gctx := errgroup.WithContext(sinkCtx)

	if d.kafka != nil {
		g.Go(func() error {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			return d.kafka.Publish(gctx, []byte(ev.IP), payload)
		})
	}

	if d.clickhouse != nil {
		g.Go(func() error {
			return d.clickhouse.InsertSecurityEvent(gctx, ev)
		})
	}

	if d.elastic != nil {
		g.Go(func() error {
			return d.elastic.IndexSecurityEvent(gctx, ev)
		})
	}

	go func() {
		defer cancel()
		if err := g.Wait(); err != nil {
			d.logger.Warn("Security event sink failure",
				util.String("kind", kind),
				util.String("ip", ip),
				util.ErrorField(err))
		}
	}()
}
