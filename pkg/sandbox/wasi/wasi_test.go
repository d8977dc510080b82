package wasi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyModule is the minimal valid WASM binary: magic number + version,
// no sections. wazero can compile it but it exports nothing, so Execute,
// which requires a _start export, rejects it — useful for
// exercising the compile path without a real guest toolchain.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestMemoryLimitPagesRoundsUpToAtLeastOnePage(t *testing.T) {
	assert.Equal(t, uint32(0), memoryLimitPages(0))
	assert.Equal(t, uint32(1), memoryLimitPages(1))
	assert.Equal(t, uint32(1), memoryLimitPages(64*1024))
	assert.Equal(t, uint32(2), memoryLimitPages(64*1024+1))
	assert.Equal(t, uint32(16), memoryLimitPages(16*64*1024))
}

func TestIsMemoryErrorMatchesLimitAndGrowPhrasing(t *testing.T) {
	assert.True(t, isMemoryError(errors.New("memory.grow failed: limit exceeded")))
	assert.True(t, isMemoryError(errors.New("out of memory: grow exceeded")))
	assert.False(t, isMemoryError(errors.New("division by zero")))
	assert.False(t, isMemoryError(nil))
}

func TestSandboxErrorFormatting(t *testing.T) {
	err := &SandboxError{Code: ErrComputeTimeExhausted, Message: "exceeded 5s"}
	assert.Equal(t, "ERR_COMPUTE_TIME_EXHAUSTED: exceeded 5s", err.Error())
}

func TestCompileRejectsInvalidWasmBytes(t *testing.T) {
	_, err := Compile(context.Background(), "bad", []byte("not wasm"), DefaultConfig())
	require.Error(t, err)
}

func TestCompileSucceedsAndCloseIsClean(t *testing.T) {
	mod, err := Compile(context.Background(), "empty", emptyModule, DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, mod)
	assert.Equal(t, "empty", mod.Identity())
	assert.NoError(t, mod.Close(context.Background()))
}

func TestExecuteOnModuleWithoutStartExportFails(t *testing.T) {
	mod, err := Compile(context.Background(), "empty", emptyModule, DefaultConfig())
	require.NoError(t, err)
	defer mod.Close(context.Background())

	_, err = mod.Execute(context.Background(), map[string]any{"n": 1})
	require.Error(t, err)
}
