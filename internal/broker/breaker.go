package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tbaxter/fopbot/internal/orders"
)

// CircuitBreakerBroker wraps a Broker so repeated transport failures open
// the circuit and fail fast instead of hammering a dead venue. Event streams
// pass through untouched.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures trip behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // requests allowed when half-open
	Interval     time.Duration // count reset interval
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64       // failure ratio that trips
}

// NewCircuitBreakerBroker wraps a broker with default trip settings.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps a broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gb := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}
	return &CircuitBreakerBroker{broker: broker, breaker: gobreaker.NewCircuitBreaker(gb)}
}

// execCircuitBreaker is a generic helper for the wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// SubscribeQuotes wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) SubscribeQuotes(ctx context.Context, symbol string) (<-chan QuoteUpdate, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (<-chan QuoteUpdate, error) {
		return b.SubscribeQuotes(ctx, symbol)
	})
}

// SubmitOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) SubmitOrder(spec *orders.OrderSpec) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.SubmitOrder(spec)
	})
}

// CancelOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(orderID)
	})
	return err
}

// FillEvents passes the event stream through unwrapped.
func (c *CircuitBreakerBroker) FillEvents() <-chan FillEvent {
	return c.broker.FillEvents()
}

// OrderStatusEvents passes the event stream through unwrapped.
func (c *CircuitBreakerBroker) OrderStatusEvents() <-chan OrderStatusEvent {
	return c.broker.OrderStatusEvents()
}

// GetPositions wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPositions() ([]PositionReport, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionReport, error) {
		return b.GetPositions()
	})
}

// GetAccountBalance wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetAccountBalance() (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetAccountBalance()
	})
}
