package subaru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeWith(t *testing.T, descs ...*Descriptor) *Store {
	t.Helper()
	s := &Store{Dir: t.TempDir()}
	for _, d := range descs {
		require.NoError(t, s.WriteDescriptor(d))
	}
	return s
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	t.Parallel()
	s := storeWith(t,
		testDescriptor("app", "1.0", "libui", "libnet"),
		testDescriptor("libui", "1.0", "libcommon"),
		testDescriptor("libnet", "1.0", "libcommon"),
		testDescriptor("libcommon", "1.0"),
		testDescriptor("unrelated", "1.0"),
	)

	order, warnings, err := NewResolver(s).Resolve([]string{"app"})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.ElementsMatch(t, []string{"app", "libui", "libnet", "libcommon"}, order)
	assert.Less(t, indexOf(order, "libcommon"), indexOf(order, "libui"))
	assert.Less(t, indexOf(order, "libcommon"), indexOf(order, "libnet"))
	assert.Less(t, indexOf(order, "libui"), indexOf(order, "app"))
	assert.Less(t, indexOf(order, "libnet"), indexOf(order, "app"))
	assert.Equal(t, -1, indexOf(order, "unrelated"))
}

func TestResolveDeterministicOrder(t *testing.T) {
	t.Parallel()
	s := storeWith(t,
		testDescriptor("a", "1.0"),
		testDescriptor("b", "1.0"),
		testDescriptor("c", "1.0"),
	)

	first, _, err := NewResolver(s).Resolve([]string{"c", "a", "b"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, _, err := NewResolver(s).Resolve([]string{"c", "a", "b"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolveUnionsEdgesAcrossVersions(t *testing.T) {
	t.Parallel()
	s := storeWith(t,
		testDescriptor("app", "1.0", "libold"),
		testDescriptor("app", "2.0", "libnew"),
		testDescriptor("libold", "1.0"),
		testDescriptor("libnew", "1.0"),
	)

	order, warnings, err := NewResolver(s).Resolve([]string{"app"})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// Edges from every stored version count, not just the latest.
	assert.ElementsMatch(t, []string{"app", "libold", "libnew"}, order)
	assert.Less(t, indexOf(order, "libold"), indexOf(order, "app"))
	assert.Less(t, indexOf(order, "libnew"), indexOf(order, "app"))
}

func TestResolveGlobalCycleRejection(t *testing.T) {
	t.Parallel()
	s := storeWith(t,
		testDescriptor("app", "1.0"),
		testDescriptor("ouroboros-a", "1.0", "ouroboros-b"),
		testDescriptor("ouroboros-b", "1.0", "ouroboros-a"),
	)

	// The request never touches the cycle; resolution still fails.
	_, _, err := NewResolver(s).Resolve([]string{"app"})
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.ElementsMatch(t, []string{"ouroboros-a", "ouroboros-b"}, cerr.Remaining)
}

func TestResolveMissingDependencyExcluded(t *testing.T) {
	t.Parallel()
	s := storeWith(t,
		testDescriptor("app", "1.0", "ghost", "libcommon"),
		testDescriptor("libcommon", "1.0"),
	)

	order, warnings, err := NewResolver(s).Resolve([]string{"app"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"app", "libcommon"}, order)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "ghost")
}

func TestResolveSelfInclusionForUnknownRequest(t *testing.T) {
	t.Parallel()
	s := storeWith(t, testDescriptor("known", "1.0"))

	order, warnings, err := NewResolver(s).Resolve([]string{"known", "mystery"})
	require.NoError(t, err)

	assert.Equal(t, []string{"known", "mystery"}, order)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "mystery")
}

func TestResolveEmptyStore(t *testing.T) {
	t.Parallel()
	s := &Store{Dir: t.TempDir()}

	order, warnings, err := NewResolver(s).Resolve([]string{"anything"})
	require.NoError(t, err)
	assert.Equal(t, []string{"anything"}, order)
	assert.Len(t, warnings, 1)
}
