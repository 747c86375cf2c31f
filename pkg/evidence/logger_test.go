package evidence

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/bturcanu/toolmesh/pkg/types"
)

type fakeSink struct {
	records []*types.InvocationRecord
	replay  map[string]*types.InvokeResponse
	err     error
}

func (f *fakeSink) Record(_ context.Context, rec *types.InvocationRecord) error {
	if f.err != nil {
		return f.err
	}
	rec.Hash = "h"
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) CheckIdempotency(_ context.Context, tenantID, key string) (*types.InvokeResponse, error) {
	return f.replay[tenantID+"/"+key], nil
}

func TestLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	sink := &fakeSink{}
	l := NewLogger(sink, slog.New(slog.NewJSONHandler(&buf, nil)))

	rec := &types.InvocationRecord{
		EventID:         "e1",
		Request:         types.InvocationPayload{TenantID: "t", Tool: "ping"},
		Decision:        types.DecisionAllow,
		ExecutionResult: &types.ExecutionResult{Status: types.StatusSuccess, DurationMS: 7},
	}
	if err := l.Record(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("records = %d", len(sink.records))
	}
	for _, want := range []string{`"msg":"invocation recorded"`, `"tool":"ping"`, `"status":"success"`, `"hash":"h"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log missing %s: %s", want, buf.String())
		}
	}
}

func TestLogger_RecordError(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("db down")
	l := NewLogger(&fakeSink{err: boom}, slog.New(slog.NewJSONHandler(&buf, nil)))

	err := l.Record(context.Background(), &types.InvocationRecord{EventID: "e1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("expected error log, got %s", buf.String())
	}
}

func TestLogger_CheckIdempotency(t *testing.T) {
	sink := &fakeSink{replay: map[string]*types.InvokeResponse{
		"t/k1": {EventID: "e1", Decision: types.DecisionAllow, Replayed: true},
	}}
	l := NewLogger(sink, nil)

	resp, err := l.CheckIdempotency(context.Background(), "t", "k1")
	if err != nil || resp == nil || resp.EventID != "e1" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	resp, err = l.CheckIdempotency(context.Background(), "t", "")
	if err != nil || resp != nil {
		t.Fatalf("empty key should never replay: %+v, %v", resp, err)
	}
	resp, err = l.CheckIdempotency(context.Background(), "other", "k1")
	if err != nil || resp != nil {
		t.Fatalf("keys are tenant scoped: %+v, %v", resp, err)
	}
}
