package pipeline

import (
	"context"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
	"github.com/kartikbazzad/aerodb/rules"
)

// Next is the continuation a Middleware calls to pass control (and
// possibly a mutated Operation/OpContext) further down the chain.
type Next func(ctx context.Context, op Operation, opctx *OpContext) (Result, error)

// Middleware observes or short-circuits an Operation. Calling next is
// optional: a middleware that returns without calling next has denied the
// operation.
type Middleware func(ctx context.Context, op Operation, opctx *OpContext, next Next) (Result, error)

// Chain is an ordered middleware stack terminating at an OperationExecutor.
// It holds a single concrete executor plus an ordered slice of middleware;
// there is no inheritance, only the capability each middleware closure
// captures.
type Chain struct {
	middlewares []Middleware
	executor    OperationExecutor
}

// NewChain builds a Chain that dispatches to executor after running through
// middlewares in order (the first middleware in the slice runs first).
func NewChain(executor OperationExecutor, middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares, executor: executor}
}

// Dispatch runs op through the full middleware stack and the executor.
func (c *Chain) Dispatch(ctx context.Context, op Operation, opctx *OpContext) (Result, error) {
	return c.buildNext(0)(ctx, op, opctx)
}

func (c *Chain) buildNext(i int) Next {
	if i >= len(c.middlewares) {
		return func(ctx context.Context, op Operation, opctx *OpContext) (Result, error) {
			return c.executor.Execute(ctx, op, opctx)
		}
	}
	mw := c.middlewares[i]
	rest := c.buildNext(i + 1)
	return func(ctx context.Context, op Operation, opctx *OpContext) (Result, error) {
		return mw(ctx, op, opctx, rest)
	}
}

// PublicOps is the set of operation kinds AuthMiddleware lets through
// without an authenticated principal. Empty by default: every deployment
// this engine targets requires authentication for every operation kind.
// Auth token parsing is an external collaborator's job — by the time a
// request reaches the pipeline, opctx.Auth is either a resolved principal
// or nil, never a raw token to parse.
type PublicOps map[Kind]bool

// AuthMiddleware rejects an operation whose OpContext carries no
// authenticated principal unless its Kind is listed in public.
func AuthMiddleware(public PublicOps) Middleware {
	return func(ctx context.Context, op Operation, opctx *OpContext, next Next) (Result, error) {
		if public[op.Kind] {
			return next(ctx, op, opctx)
		}
		if opctx.Auth == nil {
			return Result{}, aeroerrors.Validation(aeroerrors.CodeUnauthenticated,
				"operation requires an authenticated principal", "")
		}
		return next(ctx, op, opctx)
	}
}

// RuleLookup resolves the row-level-security expression configured for a
// (collection, operation) pair. The pipeline depends only on this
// interface, never on a concrete metadata/catalog implementation, mirroring
// the control plane's KernelAdapter boundary.
type RuleLookup interface {
	LookupRule(collection string, kind Kind) (expression string, ok bool)
}

// RLSMiddleware evaluates the row-level-security expression resolved by
// lookup against (auth, resource, request) via engine.Evaluate; a false or
// error result denies the operation before it reaches the executor. An
// admin principal (rules.AuthContext.IsAdmin) bypasses evaluation
// entirely.
func RLSMiddleware(engine *rules.RulesEngine, lookup RuleLookup) Middleware {
	return func(ctx context.Context, op Operation, opctx *OpContext, next Next) (Result, error) {
		auth := opctx.Auth
		if auth != nil && auth.IsAdmin {
			return next(ctx, op, opctx)
		}

		expression, ok := lookup.LookupRule(op.Collection, op.Kind)
		if !ok || expression == "" {
			return next(ctx, op, opctx)
		}
		opctx.RLSFilter = expression

		reqData := map[string]interface{}{"auth": nil}
		if auth != nil {
			reqData["auth"] = map[string]interface{}{"uid": auth.UID, "claims": auth.Claims}
		}
		resource := map[string]interface{}{"data": map[string]interface{}(op.Document)}
		evalCtx := map[string]interface{}{
			"request":  reqData,
			"resource": resource,
		}

		allowed, err := engine.Evaluate(expression, evalCtx)
		if err != nil {
			return Result{}, aeroerrors.Validation(aeroerrors.CodeRLSDenied, "rule evaluation error: "+err.Error(), "")
		}
		if !allowed {
			return Result{}, aeroerrors.Validation(aeroerrors.CodeRLSDenied,
				"permission denied: row-level security rule rejected the operation", "")
		}
		return next(ctx, op, opctx)
	}
}

// Observer receives one AuditRecord per dispatched operation. LogObserver is
// the default; a caller wanting durable audit trails installs its own.
type Observer interface {
	Observe(record AuditRecord)
}

// AuditRecord is the audit entry ObserveMiddleware produces for every
// dispatched operation: duration, outcome, and enough correlation data to
// trace it back to the request that produced it.
type AuditRecord struct {
	RequestID  string
	Kind       Kind
	Collection string
	Operator   string
	Success    bool
	Error      string
	Duration   int64 // nanoseconds
}

// ObserveMiddleware records duration, outcome, and a correlating audit
// entry for every operation, success or failure, via observer.
func ObserveMiddleware(observer Observer) Middleware {
	return func(ctx context.Context, op Operation, opctx *OpContext, next Next) (Result, error) {
		result, err := next(ctx, op, opctx)

		record := AuditRecord{
			RequestID:  opctx.RequestID,
			Kind:       op.Kind,
			Collection: op.Collection,
			Success:    err == nil,
			Duration:   int64(opctx.Elapsed()),
		}
		if opctx.Auth != nil {
			record.Operator = opctx.Auth.UID
		}
		if err != nil {
			record.Error = err.Error()
		}
		observer.Observe(record)

		return result, err
	}
}
