package usbtmc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupBuiltin(t *testing.T) {
	r := NewRegistry()

	q := r.lookup(0xf4ec, 0xee38, "")
	assert.True(t, q.ClearDisabled)
	assert.True(t, q.RemovePaddingHeuristic)
	assert.True(t, q.TolerateBadTransferSize)
	assert.Zero(t, q.OpenPolicy)

	q = r.lookup(0x1313, 0x8078, "")
	assert.True(t, q.ClearResetsBulkIn)
	assert.False(t, q.ClearDisabled)

	// Unknown devices get the compliant defaults.
	q = r.lookup(0xffff, 0x0001, "")
	assert.Equal(t, DefaultQuirks(), q)
}

func TestRegistryRevisionMatch(t *testing.T) {
	r := NewRegistry()

	old := DefaultQuirks()
	old.AcceptShortReadAsEOM = true
	require.NoError(t, r.Register(0x2a2a, 0x0001, `^1\.`, old))

	anyRev := DefaultQuirks()
	anyRev.PostWriteSettle = time.Millisecond
	require.NoError(t, r.Register(0x2a2a, 0x0001, "", anyRev))

	got := r.lookup(0x2a2a, 0x0001, "1.07")
	assert.True(t, got.AcceptShortReadAsEOM)

	got = r.lookup(0x2a2a, 0x0001, "2.00")
	assert.False(t, got.AcceptShortReadAsEOM)
	assert.Equal(t, time.Millisecond, got.PostWriteSettle)
}

func TestRegistryBadRevisionPattern(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(0x2a2a, 0x0001, "([", DefaultQuirks()))
}

// Once a handle has been opened against an entry, the entry is frozen.
func TestRegistrySealsAfterOpen(t *testing.T) {
	r := NewRegistry()
	q := DefaultQuirks()
	q.OpenPolicy = 0
	require.NoError(t, r.Register(testInfo.VendorID, testInfo.ProductID, "", q))

	m := newMockTransport(t)
	d, err := NewDevice(m, testInfo, testIface, WithRegistry(r), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer d.Close()

	err = r.Register(testInfo.VendorID, testInfo.ProductID, "", DefaultQuirks())
	require.Error(t, err)

	// Other entries stay writable.
	require.NoError(t, r.Register(0x0957, 0x1799, "", DefaultQuirks()))
}

func TestLoadQuirksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quirks.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
["1ab1:0588"]
strip_string_nuls = true
max_transfer_size = 4096
post_write_settle_us = 1500
abort_recovery_policy = "clear"
read_status_byte_via = "both"

["f4ec:ee38"]
clear_disabled = true
clear_at_open = false
accept_short_read_as_eom = true
`), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadQuirksFile(path))

	q := r.lookup(0x1ab1, 0x0588, "")
	assert.True(t, q.StripStringNULs)
	assert.Equal(t, uint32(4096), q.MaxTransferSize)
	assert.Equal(t, 1500*time.Microsecond, q.PostWriteSettle)
	assert.Equal(t, AbortRecoveryClear, q.AbortPolicy)
	assert.Equal(t, StatusByteBoth, q.StatusByteVia)

	q = r.lookup(0xf4ec, 0xee38, "")
	assert.True(t, q.ClearDisabled)
	assert.True(t, q.AcceptShortReadAsEOM)
	assert.Zero(t, q.OpenPolicy&OpenClearInterface)
	// The file replaces the built-in Siglent entry wholesale; fields the
	// overlay does not name fall back to defaults.
	assert.False(t, q.RemovePaddingHeuristic)
}

func TestLoadQuirksFileErrors(t *testing.T) {
	dir := t.TempDir()

	badKey := filepath.Join(dir, "badkey.toml")
	require.NoError(t, os.WriteFile(badKey, []byte("[\"nothex\"]\nclear_disabled = true\n"), 0o644))
	require.Error(t, NewRegistry().LoadQuirksFile(badKey))

	badEnum := filepath.Join(dir, "badenum.toml")
	require.NoError(t, os.WriteFile(badEnum, []byte("[\"1ab1:0588\"]\nabort_recovery_policy = \"panic\"\n"), 0o644))
	require.Error(t, NewRegistry().LoadQuirksFile(badEnum))

	require.Error(t, NewRegistry().LoadQuirksFile(filepath.Join(dir, "missing.toml")))
}
