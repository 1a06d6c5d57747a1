package tracing

import "context"

// Transaction is one unit of background work, e.g. a pipeline drain or a checkpoint run
type Transaction interface {
	Context() context.Context
	// CaptureError attaches err to the transaction
	CaptureError(err error)
	End()
}

type Tracer interface {
	BackgroundTx(name string) Transaction
}
