package notification

import (
	"context"
	"time"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/metrics"
	"github.com/telhawk-systems/filegate/internal/models"
)

// DispatcherOptions bounds the dispatcher's queue and retries.
type DispatcherOptions struct {
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	SendTimeout  time.Duration
}

// Dispatcher decouples alert delivery from the request path. Notify never
// blocks: when the queue is full the alert is dropped and counted.
type Dispatcher struct {
	channel Channel
	opts    DispatcherOptions
	queue   chan *models.Alert
	logger  *logging.Logger
}

// NewDispatcher creates a Dispatcher delivering to channel. Call Run to
// start delivery.
func NewDispatcher(channel Channel, opts DispatcherOptions, logger *logging.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		channel: channel,
		opts:    opts,
		queue:   make(chan *models.Alert, opts.QueueSize),
		logger:  logger,
	}
}

// Notify enqueues alert for delivery.
func (d *Dispatcher) Notify(alert *models.Alert) {
	select {
	case d.queue <- alert:
		metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
	default:
		metrics.NotificationsTotal.WithLabelValues(d.channel.Type(), "dropped").Inc()
		d.logger.Warn("alert notification dropped, queue full",
			"alert_id", alert.ID,
			"queue_size", d.opts.QueueSize)
	}
}

// Run delivers queued alerts until ctx is done. Alerts still queued at that
// point are discarded.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-d.queue:
			metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
			d.deliver(ctx, alert)
		}
	}
}

// targets returns the channels retried independently: the members of a
// MultiChannel, or the channel itself.
func (d *Dispatcher) targets() []Channel {
	if multi, ok := d.channel.(*MultiChannel); ok {
		return multi.Channels()
	}
	return []Channel{d.channel}
}

type failedSend struct {
	channel Channel
	err     error
}

// deliver sends alert to every target. Only channels that failed are
// retried, so a channel that already succeeded never sees the alert twice.
func (d *Dispatcher) deliver(ctx context.Context, alert *models.Alert) {
	pending := make([]failedSend, 0, len(d.targets()))
	for _, ch := range d.targets() {
		pending = append(pending, failedSend{channel: ch})
	}

	for attempt := 0; attempt <= d.opts.MaxRetries && len(pending) > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				d.giveUp(alert, pending, attempt)
				return
			case <-time.After(d.opts.RetryBackoff * time.Duration(attempt)):
			}
		}

		remaining := pending[:0]
		for _, p := range pending {
			sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
			err := p.channel.Send(sendCtx, alert)
			cancel()
			if err == nil {
				metrics.NotificationsTotal.WithLabelValues(p.channel.Type(), "sent").Inc()
				continue
			}
			d.logger.Debug("alert notification attempt failed",
				"alert_id", alert.ID,
				"channel", p.channel.Type(),
				"attempt", attempt+1,
				logging.Error(err))
			remaining = append(remaining, failedSend{channel: p.channel, err: err})
		}
		pending = remaining
	}

	d.giveUp(alert, pending, d.opts.MaxRetries+1)
}

func (d *Dispatcher) giveUp(alert *models.Alert, failed []failedSend, attempts int) {
	for _, f := range failed {
		metrics.NotificationsTotal.WithLabelValues(f.channel.Type(), "failed").Inc()
		d.logger.Warn("alert notification failed",
			"alert_id", alert.ID,
			"channel", f.channel.Type(),
			"attempts", attempts,
			logging.Error(f.err))
	}
}

// FromConfig assembles the configured channels behind a MultiChannel. The
// log channel is always present. The returned close function releases
// broker connections.
func FromConfig(cfg config.AlertsConfig, logger *logging.Logger) (*MultiChannel, func(), error) {
	channels := []Channel{NewLogChannel(logger)}
	closeFn := func() {}

	if cfg.WebhookURL != "" {
		channels = append(channels, NewWebhookChannel(cfg.WebhookURL, cfg.Timeout))
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlackChannel(cfg.SlackWebhookURL, cfg.Timeout))
	}
	if cfg.OpenSearch.URL != "" {
		client, err := NewOpenSearchClient(cfg.OpenSearch)
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, NewOpenSearchChannel(client, cfg.OpenSearch.Index))
	}
	if cfg.NatsURL != "" {
		conn, err := ConnectNATS(cfg.NatsURL, logger)
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, NewNATSChannel(conn, cfg.NatsSubject))
		closeFn = func() {
			if err := conn.Drain(); err != nil {
				conn.Close()
			}
		}
	}

	return NewMultiChannel(logger, channels...), closeFn, nil
}

// OptionsFromConfig converts the alerts config section.
func OptionsFromConfig(cfg config.AlertsConfig) DispatcherOptions {
	return DispatcherOptions{
		QueueSize:    cfg.QueueSize,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		SendTimeout:  cfg.Timeout,
	}
}
