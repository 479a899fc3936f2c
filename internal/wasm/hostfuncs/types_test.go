package hostfuncs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FossRust/wasi-warden/wireformat"
)

func TestPackUnpackPtrLen(t *testing.T) {
	tests := []struct {
		name   string
		ptr    uint32
		length uint32
	}{
		{"zero", 0, 0},
		{"small", 16, 32},
		{"page boundary", 65536, 4096},
		{"max values", 0xFFFFFFFF, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := PackPtrLen(tt.ptr, tt.length)
			ptr, length := UnpackPtrLen(packed)
			assert.Equal(t, tt.ptr, ptr)
			assert.Equal(t, tt.length, length)
		})
	}
}

func TestEnvRoundTripsThroughContext(t *testing.T) {
	env := &Env{}
	ctx := WithEnv(context.Background(), env)

	got, ok := EnvFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, env, got)

	_, ok = EnvFromContext(context.Background())
	assert.False(t, ok)
}

func TestCreateContextFromWireTimeout(t *testing.T) {
	ctx, cancel := createContextFromWire(context.Background(), wireformat.ContextWireFormat{TimeoutMs: 50})
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 25*time.Millisecond)
}

func TestCreateContextFromWireCancelled(t *testing.T) {
	ctx, cancel := createContextFromWire(context.Background(), wireformat.ContextWireFormat{Cancelled: true})
	defer cancel()
	assert.Error(t, ctx.Err())
}

func TestCreateContextFromWireDeadline(t *testing.T) {
	want := time.Now().Add(time.Minute)
	ctx, cancel := createContextFromWire(context.Background(), wireformat.ContextWireFormat{Deadline: &want})
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.Equal(t, want, deadline)
}
