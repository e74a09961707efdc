package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestProcessResponse_Handled(t *testing.T) {
	svc := NewMockService()
	var gotFrom, gotText string
	rh := NewResponseHandler(svc, func(ctx context.Context, from, text string, ts int64) (bool, error) {
		gotFrom, gotText = from, text
		return true, nil
	})

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+1 555 123 4567", Body: "yes"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotFrom != "15551234567" || gotText != "yes" {
		t.Errorf("route got (%q, %q)", gotFrom, gotText)
	}
	if sent := svc.Sent(); len(sent) != 0 {
		t.Errorf("expected no default message, got %+v", sent)
	}
}

func TestProcessResponse_Unhandled(t *testing.T) {
	svc := NewMockService()
	rh := NewResponseHandler(svc, func(ctx context.Context, from, text string, ts int64) (bool, error) {
		return false, nil
	})

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := svc.SentTo("15551234567"); len(got) != 1 || got[0] != DefaultUnhandledMessage {
		t.Errorf("expected default message, got %v", got)
	}

	svc.Reset()
	rh.SetDefaultMessage("")
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := svc.Sent(); len(got) != 0 {
		t.Errorf("expected nothing sent with default disabled, got %+v", got)
	}
}

func TestProcessResponse_RouteError(t *testing.T) {
	svc := NewMockService()
	rh := NewResponseHandler(svc, func(ctx context.Context, from, text string, ts int64) (bool, error) {
		return false, errors.New("store down")
	})
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if got := svc.SentTo("15551234567"); len(got) != 1 || got[0] != DefaultErrorMessage {
		t.Errorf("expected error message, got %v", got)
	}
}

func TestProcessResponse_InvalidSender(t *testing.T) {
	rh := NewResponseHandler(NewMockService(), func(ctx context.Context, from, text string, ts int64) (bool, error) {
		t.Error("route must not be called")
		return true, nil
	})
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "hi"}); err == nil {
		t.Error("expected validation error")
	}
}

func TestResponseHandler_Start(t *testing.T) {
	svc := NewMockService()
	var mu sync.Mutex
	var bodies []string
	rh := NewResponseHandler(svc, func(ctx context.Context, from, text string, ts int64) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		bodies = append(bodies, text)
		return true, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	svc.Deliver("15551234567", "one")
	svc.Deliver("15551234567", "two")
	svc.Stop()

	done := make(chan struct{})
	go func() { rh.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop after channel close")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0] != "one" || bodies[1] != "two" {
		t.Errorf("unexpected processed bodies %v", bodies)
	}
}

type receiptSink struct {
	mu       sync.Mutex
	receipts []models.Receipt
}

func (r *receiptSink) AddReceipt(rc models.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, rc)
	return nil
}

func TestRecordReceipts(t *testing.T) {
	svc := NewMockService()
	sink := &receiptSink{}
	if err := svc.SendMessage(context.Background(), "15551234567", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	svc.Stop()
	RecordReceipts(context.Background(), svc, sink)
	if len(sink.receipts) != 1 || sink.receipts[0].Status != models.MessageStatusSent {
		t.Errorf("unexpected receipts %+v", sink.receipts)
	}
}

type memDeduper struct {
	mu        sync.Mutex
	seen      map[string]bool
	processed []string
	err       error
}

func (d *memDeduper) RecordInbound(id, participant string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDeduper) MarkProcessed(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processed = append(d.processed, id)
	return nil
}

func TestProcessResponse_DropsRedelivery(t *testing.T) {
	svc := NewMockService()
	calls := 0
	rh := NewResponseHandler(svc, func(ctx context.Context, from, text string, ts int64) (bool, error) {
		calls++
		return true, nil
	})
	dd := &memDeduper{seen: map[string]bool{}}
	rh.SetDeduper(dd)

	resp := models.Response{From: "15551234567", Body: "yes", MessageID: "SM1"}
	for range 2 {
		if err := rh.ProcessResponse(context.Background(), resp); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected one routed reply, got %d", calls)
	}
	if len(dd.processed) != 1 || dd.processed[0] != "SM1" {
		t.Errorf("expected SM1 marked processed once, got %v", dd.processed)
	}

	// Replies without a provider id are never deduplicated.
	resp.MessageID = ""
	rh.ProcessResponse(context.Background(), resp)
	rh.ProcessResponse(context.Background(), resp)
	if calls != 3 {
		t.Errorf("expected replies without id to be routed, got %d calls", calls)
	}

	// A failing dedup store does not block routing.
	dd.err = errors.New("db down")
	resp.MessageID = "SM2"
	rh.ProcessResponse(context.Background(), resp)
	if calls != 4 {
		t.Errorf("expected routing despite dedup failure, got %d calls", calls)
	}
}
