package tracing

import (
	"context"

	"go.elastic.co/apm"

	"github.com/lloydmeta/echo/internal/domain/tracing"
)

// Returns a thin wrapper around APM's tracing implementation
func NewTracer() tracing.Tracer {
	return &tracerImpl{getApmTracer: func() *apm.Tracer {
		return apm.DefaultTracer
	}}
}

type transactionsImpl struct {
	apmTx *apm.Transaction
	ctx   context.Context
}

func (t *transactionsImpl) Context() context.Context {
	return t.ctx
}

func (t *transactionsImpl) CaptureError(err error) {
	if err == nil {
		return
	}
	if e := apm.CaptureError(t.ctx, err); e != nil {
		e.Send()
	}
}

func (t *transactionsImpl) End() {
	t.apmTx.End()
}

type tracerImpl struct {
	getApmTracer func() *apm.Tracer
}

func (t *tracerImpl) BackgroundTx(name string) tracing.Transaction {
	tracer := t.getApmTracer()
	tx := tracer.StartTransaction(name, "backgroundjob")
	return &transactionsImpl{apmTx: tx, ctx: apm.ContextWithTransaction(context.Background(), tx)}
}

// <--- For testing

type noopTx struct{}

func (n noopTx) Context() context.Context {
	return context.Background()
}

func (n noopTx) CaptureError(err error) {
}

func (n noopTx) End() {
}

type NoopTracer struct{}

func (n NoopTracer) BackgroundTx(name string) tracing.Transaction {
	return noopTx{}
}

// For testing -->
