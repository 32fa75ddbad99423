package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/tbaxter/fopbot/internal/broker"
	"github.com/tbaxter/fopbot/internal/orders"
)

// stubBroker scripts GetPositions/GetAccountBalance failures.
type stubBroker struct {
	posErrs  []error
	posCalls int
	balance  float64
}

func (s *stubBroker) SubscribeQuotes(context.Context, string) (<-chan broker.QuoteUpdate, error) {
	return nil, errors.New("not implemented")
}
func (s *stubBroker) SubmitOrder(*orders.OrderSpec) (string, error) {
	return "", errors.New("not implemented")
}
func (s *stubBroker) CancelOrder(string) error              { return errors.New("not implemented") }
func (s *stubBroker) FillEvents() <-chan broker.FillEvent   { return nil }
func (s *stubBroker) OrderStatusEvents() <-chan broker.OrderStatusEvent {
	return nil
}
func (s *stubBroker) GetAccountBalance() (float64, error) { return s.balance, nil }

func (s *stubBroker) GetPositions() ([]broker.PositionReport, error) {
	defer func() { s.posCalls++ }()
	if s.posCalls < len(s.posErrs) && s.posErrs[s.posCalls] != nil {
		return nil, s.posErrs[s.posCalls]
	}
	return []broker.PositionReport{{Symbol: "MES", Strike: 5100, Quantity: -2}}, nil
}

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	stub := &stubBroker{posErrs: []error{
		errors.New("connection reset by peer"),
		errors.New("http 503 server error"),
	}}
	c := NewClient(stub, log.New(io.Discard, "", 0), fastConfig())

	got, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions() error: %v", err)
	}
	if len(got) != 1 || got[0].Strike != 5100 {
		t.Errorf("positions = %+v", got)
	}
	if stub.posCalls != 3 {
		t.Errorf("calls = %d, want 3", stub.posCalls)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	stub := &stubBroker{posErrs: []error{errors.New("account suspended")}}
	c := NewClient(stub, log.New(io.Discard, "", 0), fastConfig())

	if _, err := c.GetPositions(context.Background()); err == nil {
		t.Fatal("expected error for permanent failure")
	}
	if stub.posCalls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", stub.posCalls)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = errors.New("timeout")
	}
	stub := &stubBroker{posErrs: errs}
	c := NewClient(stub, log.New(io.Discard, "", 0), fastConfig())

	if _, err := c.GetPositions(context.Background()); err == nil {
		t.Fatal("expected error after budget exhausted")
	}
	if stub.posCalls != 4 {
		t.Errorf("calls = %d, want 4 (initial + 3 retries)", stub.posCalls)
	}
}

func TestContextCancellation(t *testing.T) {
	stub := &stubBroker{posErrs: []error{errors.New("timeout"), errors.New("timeout")}}
	cfg := fastConfig()
	cfg.InitialBackoff = time.Second
	c := NewClient(stub, log.New(io.Discard, "", 0), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.GetPositions(ctx); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestGetAccountBalance(t *testing.T) {
	c := NewClient(&stubBroker{balance: 12345.67}, log.New(io.Discard, "", 0), fastConfig())
	got, err := c.GetAccountBalance(context.Background())
	if err != nil {
		t.Fatalf("GetAccountBalance() error: %v", err)
	}
	if got != 12345.67 {
		t.Errorf("balance = %v, want 12345.67", got)
	}
}
