package lfsagent_test

import (
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/block/git-remote-s3/internal/lfsagent"
)

func TestLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ledger, err := lfsagent.OpenLedger(path)
	assert.NoError(t, err)
	defer ledger.Close() //nolint:errcheck

	done, err := ledger.IsComplete("deadbeef")
	assert.NoError(t, err)
	assert.False(t, done)

	assert.NoError(t, ledger.MarkComplete("deadbeef"))

	done, err = ledger.IsComplete("deadbeef")
	assert.NoError(t, err)
	assert.True(t, done)

	done, err = ledger.IsComplete("other")
	assert.NoError(t, err)
	assert.False(t, done)
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	ledger, err := lfsagent.OpenLedger(path)
	assert.NoError(t, err)
	assert.NoError(t, ledger.MarkComplete("cafebabe"))
	assert.NoError(t, ledger.Close())

	reopened, err := lfsagent.OpenLedger(path)
	assert.NoError(t, err)
	defer reopened.Close() //nolint:errcheck

	done, err := reopened.IsComplete("cafebabe")
	assert.NoError(t, err)
	assert.True(t, done)
}
