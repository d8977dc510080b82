package typeresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	declared map[string]map[string]bool
}

func (f fakeLookup) HasTypeImport(extID, targetID string) bool {
	return f.declared[extID] != nil && f.declared[extID][targetID]
}

func TestTypeImportAuthorizationScenario(t *testing.T) {
	lookup := fakeLookup{declared: map[string]map[string]bool{
		"alpha": {"beta": true},
	}}
	r := New(lookup)
	require.NoError(t, r.Publish("beta", "declare const x: number;"))
	r.Freeze()

	r.SetCurrentExtension(0, "alpha")
	stub, err := r.ResolveModule(0, "@tapestry/beta", ImportType)
	require.NoError(t, err)
	assert.Equal(t, SyntheticStub, stub)
}

func TestUndeclaredTypeImportRejected(t *testing.T) {
	r := New(fakeLookup{declared: map[string]map[string]bool{}})
	require.NoError(t, r.Publish("beta", "x"))
	r.SetCurrentExtension(0, "alpha")

	_, err := r.ResolveModule(0, "@tapestry/beta", ImportType)
	require.Error(t, err)
	var ut *UndeclaredTypeImportError
	require.ErrorAs(t, err, &ut)
}

func TestValueImportForbidden(t *testing.T) {
	lookup := fakeLookup{declared: map[string]map[string]bool{"alpha": {"beta": true}}}
	r := New(lookup)
	require.NoError(t, r.Publish("beta", "x"))
	r.SetCurrentExtension(0, "alpha")

	_, err := r.ResolveModule(0, "@tapestry/beta", ImportValue)
	require.Error(t, err)
	var rf *RuntimeImportForbiddenError
	require.ErrorAs(t, err, &rf)
}

func TestSubpathRejected(t *testing.T) {
	r := New(fakeLookup{})
	r.SetCurrentExtension(0, "alpha")
	_, err := r.ResolveModule(0, "@tapestry/beta/internal", ImportType)
	require.Error(t, err)
	var ns *InvalidNamespaceError
	require.ErrorAs(t, err, &ns)
}

func TestTargetDoesNotExportTypes(t *testing.T) {
	lookup := fakeLookup{declared: map[string]map[string]bool{"alpha": {"beta": true}}}
	r := New(lookup)
	r.SetCurrentExtension(0, "alpha")
	_, err := r.ResolveModule(0, "@tapestry/beta", ImportType)
	require.Error(t, err)
	var td *TargetDoesNotExportTypesError
	require.ErrorAs(t, err, &td)
}

func TestNoCurrentExtensionContext(t *testing.T) {
	r := New(fakeLookup{})
	_, err := r.ResolveModule(0, "@tapestry/beta", ImportType)
	require.Error(t, err)
	var nc *NoCurrentExtensionError
	require.ErrorAs(t, err, &nc)
}
