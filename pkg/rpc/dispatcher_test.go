package rpc

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tapestry-hosting/tapestry/pkg/guestcall"
)

func echoMethod(id, owner string) Method {
	return Method{
		ID:       id,
		OwnerMod: owner,
		Callable: guestcall.Func{Name: id, Fn: func(ctx context.Context, args any) (any, error) {
			return args, nil
		}},
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	d := NewDispatcher(false, nil)
	require.NoError(t, d.RegisterMethod(echoMethod("mod_a.ping", "mod_a")))

	call := RPCCallFrame{Protocol: Protocol, Type: FrameRPCCall, ID: "1", Method: "mod_a.ping", Args: []byte(`{"n":1}`)}
	resp := d.Dispatch(context.Background(), "conn1", nil, call)

	assert.Equal(t, "1", resp.ID)
	assert.True(t, resp.Success)
}

func TestDispatchMethodNotFound(t *testing.T) {
	d := NewDispatcher(false, nil)
	resp := d.Dispatch(context.Background(), "conn1", nil, RPCCallFrame{ID: "1", Method: "ghost"})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrMethodNotFound, resp.Error.Code)
}

func TestDispatchNamespaceAccessDeniedUnderStrictIsolation(t *testing.T) {
	d := NewDispatcher(true, nil)
	require.NoError(t, d.RegisterMethod(echoMethod("mod_a.ping", "mod_a")))

	resp := d.Dispatch(context.Background(), "conn1", map[string]bool{"mod_b": true}, RPCCallFrame{ID: "1", Method: "mod_a.ping"})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrNamespaceAccessDenied, resp.Error.Code)

	resp2 := d.Dispatch(context.Background(), "conn1", map[string]bool{"mod_a": true}, RPCCallFrame{ID: "2", Method: "mod_a.ping"})
	assert.True(t, resp2.Success)
}

func TestDispatchInvalidArgumentOnSanitizeFailure(t *testing.T) {
	d := NewDispatcher(false, nil)
	require.NoError(t, d.RegisterMethod(echoMethod("mod_a.ping", "mod_a")))

	resp := d.Dispatch(context.Background(), "conn1", nil, RPCCallFrame{ID: "1", Method: "mod_a.ping", Args: []byte(`{"__proto":1}`)})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrInvalidArgument, resp.Error.Code)
}

func TestDispatchUserErrorVsInternalError(t *testing.T) {
	d := NewDispatcher(false, nil)
	require.NoError(t, d.RegisterMethod(Method{
		ID:       "mod_a.throws",
		OwnerMod: "mod_a",
		Callable: guestcall.Func{Name: "throws", Fn: func(ctx context.Context, args any) (any, error) {
			return nil, guestcall.NewGuestError(fmt.Errorf("guest script exploded"))
		}},
	}))
	require.NoError(t, d.RegisterMethod(Method{
		ID:       "mod_a.internal",
		OwnerMod: "mod_a",
		Callable: guestcall.Func{Name: "internal", Fn: func(ctx context.Context, args any) (any, error) {
			return nil, fmt.Errorf("host plumbing broke")
		}},
	}))

	userResp := d.Dispatch(context.Background(), "conn1", nil, RPCCallFrame{ID: "1", Method: "mod_a.throws"})
	assert.Equal(t, ErrUserError, userResp.Error.Code)

	internalResp := d.Dispatch(context.Background(), "conn1", nil, RPCCallFrame{ID: "2", Method: "mod_a.internal"})
	assert.Equal(t, ErrInternalError, internalResp.Error.Code)
}

func TestDispatchRateLimitEleventhCallRejected(t *testing.T) {
	d := NewDispatcher(false, nil)
	require.NoError(t, d.RegisterMethod(echoMethod("mod_a.ping", "mod_a")))

	var lastErr ErrorCode
	successes := 0
	for i := 0; i < 11; i++ {
		resp := d.Dispatch(context.Background(), "conn1", nil, RPCCallFrame{ID: fmt.Sprintf("%d", i), Method: "mod_a.ping"})
		if resp.Success {
			successes++
		} else {
			lastErr = resp.Error.Code
		}
	}
	assert.Equal(t, 10, successes)
	assert.Equal(t, ErrRateLimit, lastErr)

	d.Disconnect("conn1")
	resp := d.Dispatch(context.Background(), "conn1", nil, RPCCallFrame{ID: "new", Method: "mod_a.ping"})
	assert.True(t, resp.Success)
}

func TestValidatePacketBoundsRejectsOversizePayload(t *testing.T) {
	big := make([]byte, MaxBytes+1)
	err := ValidatePacketBounds(big)
	require.Error(t, err)
}

func TestDispatchRecordsSpanWhenTracerAttached(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(nil)

	d := NewDispatcher(false, nil)
	d.SetTracer(tp.Tracer("test"))
	require.NoError(t, d.RegisterMethod(echoMethod("mod_a.ping", "mod_a")))

	resp := d.Dispatch(context.Background(), "conn1", nil, RPCCallFrame{ID: "1", Method: "mod_a.ping"})
	assert.True(t, resp.Success)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "rpc.dispatch", spans[0].Name)
}
