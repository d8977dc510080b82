package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogTamperEvidence(t *testing.T) {
	log := New(nil)

	entry1, err := log.Append("phase-controller", "PHASE_TRANSITION", "DISCOVERY", "from=BOOTSTRAP")
	require.NoError(t, err)
	assert.NotEmpty(t, entry1.Hash)
	assert.Empty(t, entry1.PreviousHash)

	entry2, err := log.Append("capability-registry", "REGISTRY_FROZEN", "api", "entries=3")
	require.NoError(t, err)
	assert.Equal(t, entry1.Hash, entry2.PreviousHash)

	entry3, err := log.Append("lifecycle-manager", "CASCADE_FAILURE", "ext_a", "failed_count=2")
	require.NoError(t, err)
	assert.Equal(t, entry2.Hash, entry3.PreviousHash)

	valid, err := log.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)

	log.Entries[1].Details = "entries=999"
	valid, err = log.VerifyChain()
	assert.False(t, valid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity failure at index 1")

	log.Entries[1].Details = "entries=3"
	log.Entries[2].PreviousHash = "deadbeef"
	valid, err = log.VerifyChain()
	assert.False(t, valid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain broken at index 2")
}

func TestRecordHelpersProduceReadableActions(t *testing.T) {
	log := New(nil)

	e, err := log.RecordPhaseTransition("BOOTSTRAP", "DISCOVERY")
	require.NoError(t, err)
	assert.Equal(t, "PHASE_TRANSITION", e.Action)
	assert.Equal(t, "DISCOVERY", e.Target)

	e2, err := log.RecordCascadeFailure("ext_a", 4)
	require.NoError(t, err)
	assert.Equal(t, "CASCADE_FAILURE", e2.Action)
	assert.Contains(t, e2.Details, "4")
}

func TestVerifyChainEmptyLogIsValid(t *testing.T) {
	log := New(nil)
	valid, err := log.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)
}
