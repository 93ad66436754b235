// Package generator synthesizes HTTP-like proxy traffic and feeds it through
// the capture serializers, standing in for a live capture front-end.
package generator

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jaswdr/faker"
	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/capture"
)

// Config controls the shape of generated traffic.
type Config struct {
	Interval              time.Duration
	ConnectionsPerTick    int
	RequestsPerConnection int
	// MaxBodyBytes bounds ordinary request bodies.
	MaxBodyBytes int
	// LargeBodyProbability is the chance, 0 to 1, that a request carries a
	// body of LargeBodyBytes, large enough to be segmented.
	LargeBodyProbability float64
	LargeBodyBytes       int
	// DropProbability is the chance that a request is dropped rather than
	// captured.
	DropProbability float64
	// ExceptionProbability is the chance that a connection ends in an
	// exception instead of a clean close.
	ExceptionProbability float64
}

// MetricsCollector defines metrics operations for the generator.
type MetricsCollector interface {
	IncConnectionsGenerated()
	IncRequestsGenerated()
}

// Generator produces synthetic connections through a serializer factory.
type Generator[T any] struct {
	config  Config
	factory *capture.Factory[T]
	faker   faker.Faker
	logger  *zap.Logger
	metrics MetricsCollector
	now     func() time.Time
}

// New creates a generator writing into factory.
func New[T any](config Config, factory *capture.Factory[T], logger *zap.Logger, metrics MetricsCollector) *Generator[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RequestsPerConnection <= 0 {
		config.RequestsPerConnection = 1
	}
	if config.ConnectionsPerTick <= 0 {
		config.ConnectionsPerTick = 1
	}
	return &Generator[T]{
		config:  config,
		factory: factory,
		faker:   faker.New(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run generates a batch of connections every Interval until ctx is done,
// then waits for every closed record to be retired.
func (g *Generator[T]) Run(ctx context.Context) error {
	interval := g.config.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("stopping traffic generation, flushing capture")
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			return g.factory.Flush(flushCtx)
		case <-ticker.C:
			g.Tick()
		}
	}
}

// Tick generates one batch of connections and returns their final
// completions.
func (g *Generator[T]) Tick() []*capture.Completion[T] {
	completions := make([]*capture.Completion[T], 0, g.config.ConnectionsPerTick)
	for i := 0; i < g.config.ConnectionsPerTick; i++ {
		c, err := g.Connection()
		if err != nil {
			g.logger.Error("failed to generate connection", zap.Error(err))
			continue
		}
		completions = append(completions, c)
	}
	return completions
}

// Connection captures one complete synthetic connection and returns the
// completion of its final record.
func (g *Generator[T]) Connection() (*capture.Completion[T], error) {
	connectionID := uuid.NewString()
	s := g.factory.New(connectionID)
	clock := g.now()
	tick := func() time.Time {
		clock = clock.Add(time.Duration(g.faker.IntBetween(1, 500)) * time.Microsecond)
		return clock
	}

	if err := s.RecordConnect(tick()); err != nil {
		return nil, err
	}

	for i := 0; i < g.config.RequestsPerConnection; i++ {
		if g.chance(g.config.DropProbability) {
			if err := s.RecordRequestDropped(tick()); err != nil {
				return nil, err
			}
			continue
		}
		if err := g.request(s, tick); err != nil {
			return nil, fmt.Errorf("request %d on %s: %w", i, connectionID, err)
		}
		if g.metrics != nil {
			g.metrics.IncRequestsGenerated()
		}
	}

	if g.chance(g.config.ExceptionProbability) {
		if err := s.RecordException(tick(), "connection reset by peer"); err != nil {
			return nil, err
		}
	} else if err := s.RecordClose(tick()); err != nil {
		return nil, err
	}

	completion, err := s.Rotate(true)
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.IncConnectionsGenerated()
	}
	g.logger.Debug("generated connection",
		zap.String("connection_id", connectionID),
		zap.Int("requests", g.config.RequestsPerConnection),
	)
	return completion, nil
}

// request captures one request and its response. The request arrives in
// two reads, the second carrying the body.
func (g *Generator[T]) request(s *capture.Serializer[T], tick func() time.Time) error {
	body := g.body()
	method := "GET"
	if len(body) > 0 {
		method = "POST"
	}

	firstLine := fmt.Sprintf("%s /%s/%s HTTP/1.1\r\n", method, g.faker.Lorem().Word(), g.faker.Lorem().Word())
	headers := fmt.Sprintf("Host: %s\r\nUser-Agent: kaftrafficgen\r\nX-Request-Id: %s\r\nContent-Length: %d\r\n\r\n",
		g.faker.Internet().Domain(), uuid.NewString(), len(body))

	if err := s.RecordRead(tick(), []byte(firstLine+headers)); err != nil {
		return err
	}
	if len(body) > 0 {
		if err := s.RecordRead(tick(), body); err != nil {
			return err
		}
	}
	if err := s.RecordEndOfFirstLine(int32(len(firstLine))); err != nil {
		return err
	}
	if err := s.RecordEndOfHeaders(int32(len(headers))); err != nil {
		return err
	}
	if err := s.RecordEndOfMessage(tick()); err != nil {
		return err
	}

	payload := fmt.Sprintf(`{"name":%q,"email":%q}`, g.faker.Person().Name(), g.faker.Internet().Email())
	response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		len(payload), payload)
	return s.RecordWrite(tick(), []byte(response))
}

// body returns an empty body, an ordinary body or a large one.
func (g *Generator[T]) body() []byte {
	if g.config.LargeBodyBytes > 0 && g.chance(g.config.LargeBodyProbability) {
		return fill(g.faker.Lorem().Sentence(12), g.config.LargeBodyBytes)
	}
	if g.config.MaxBodyBytes <= 0 || g.faker.IntBetween(0, 1) == 0 {
		return nil
	}
	return fill(g.faker.Lorem().Sentence(8), g.faker.IntBetween(1, g.config.MaxBodyBytes))
}

// chance reports true with probability p.
func (g *Generator[T]) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return g.faker.IntBetween(1, 1000) <= int(p*1000)
}

// fill repeats text to exactly n bytes.
func fill(text string, n int) []byte {
	if text == "" {
		text = "x"
	}
	b := bytes.Repeat([]byte(text+" "), n/(len(text)+1)+1)
	return b[:n]
}
