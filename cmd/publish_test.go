package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neptunomedical/vigia/internal/apierror"
)

func writeBatch(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadBatch(t *testing.T) {
	path := writeBatch(t, `{"IdAseguradora":7,"Clientes":[{"IdFactura":"101","NumDocIdentidad":"8-123-456","PersonaPrimerNombre":"Ana","PersonaPrimerApellido":"Lopez"}]}`)

	batch, err := readBatch(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), batch.InsurerID.Int64())
	require.Len(t, batch.Clients, 1)
	assert.Equal(t, int64(101), batch.Clients[0].InvoiceID.Int64())
}

func TestReadBatch_Invalid(t *testing.T) {
	_, err := readBatch(writeBatch(t, `{"IdAseguradora":7,"Clientes":[]}`))
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))

	_, err = readBatch(writeBatch(t, `{`))
	assert.Error(t, err)

	_, err = readBatch(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
