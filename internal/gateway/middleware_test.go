package gateway

import (
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "INTERNAL_ERROR") {
		t.Errorf("expected INTERNAL_ERROR envelope, got: %s", body)
	}
	if strings.Contains(body, "mock panic") {
		t.Errorf("panic detail must not leak to the consumer: %s", body)
	}
}

// --- correlationIDs middleware ----------------------------------------------

func TestCorrelationIDs_GeneratedWhenMissing(t *testing.T) {
	handler := correlationIDs(func(ctx *fasthttp.RequestCtx) {
		reqID, _ := ctx.UserValue("request_id").(string)
		traceID, _ := ctx.UserValue("trace_id").(string)
		if reqID == "" {
			t.Error("request_id should be generated")
		}
		if traceID != reqID {
			t.Errorf("trace_id should default to request_id, got %q vs %q", traceID, reqID)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if string(ctx.Response.Header.Peek("x-request-id")) == "" {
		t.Error("x-request-id should be set on the response")
	}
}

func TestCorrelationIDs_PropagatedWhenPresent(t *testing.T) {
	handler := correlationIDs(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-request-id", "req-42")
	ctx.Request.Header.Set("x-trace-id", "trace-7")
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("x-request-id")); got != "req-42" {
		t.Errorf("expected req-42, got %q", got)
	}
	if got := string(ctx.Response.Header.Peek("x-trace-id")); got != "trace-7" {
		t.Errorf("expected trace-7, got %q", got)
	}
}

// --- corsHandler -------------------------------------------------------------

func TestCORS_PreflightAnsweredDirectly(t *testing.T) {
	called := false
	handler := corsHandler([]string{"*"})(func(ctx *fasthttp.RequestCtx) {
		called = true
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if called {
		t.Error("preflight must not reach the inner handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("expected 204, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

// --- applyMiddleware ---------------------------------------------------------

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("outer"), mw("inner"))

	handler(&fasthttp.RequestCtx{})

	want := "outer,inner,handler"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("expected order %s, got %s", want, got)
	}
}
