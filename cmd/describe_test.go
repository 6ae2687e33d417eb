package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	out, err := execute(t, "describe", "--usb-ids", filepath.Join(t.TempDir(), "missing.ids"))
	require.NoError(t, err)

	assert.Contains(t, out, "ID 0547:1002 Anchor Chips, Inc. OSR USB-FX2 loopback")
	assert.Contains(t, out, "Endpoint 0x06 bulk out, 512 bytes")
	assert.Contains(t, out, "Endpoint 0x88 bulk in, 512 bytes")
	assert.Contains(t, out, "Endpoint 0x81 interrupt in")
	assert.Contains(t, out, "Input pipe:  bulk-in 0x88")
	assert.Contains(t, out, "Output pipe: bulk-out 0x06")
}

func TestDescribeUsesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usb.ids")
	require.NoError(t, os.WriteFile(path, []byte("0547  Anchor\n\t1002  FX2 Board\n"), 0o600))

	out, err := execute(t, "describe", "--usb-ids", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ID 0547:1002 Anchor FX2 Board")
}
