package content

import (
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFromFilename(t *testing.T) {
	key, err := KeyFromFilename(TypeRPM, "/tmp/pkgs/python3-libs-3.9.18-1.el9.x86_64.rpm")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"name": "python3-libs", "epoch": "0", "version": "3.9.18", "release": "1.el9", "arch": "x86_64",
	}, key)
	assert.NoError(t, TypeRPM.ValidateKey(key))

	key, err = KeyFromFilename(TypeSRPM, "walrus-5.21-1.src.rpm")
	require.NoError(t, err)
	assert.Equal(t, "src", key["arch"])

	key, err = KeyFromFilename(TypeDRPM, "dir/walrus-5.21-1_5.22-1.noarch.drpm")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"filename": "walrus-5.21-1_5.22-1.noarch.drpm"}, key)
}

func TestKeyFromFilenameRejects(t *testing.T) {
	for _, tc := range []struct {
		t    UnitType
		name string
	}{
		{TypeRPM, "walrus.tar.gz"},
		{TypeRPM, "walrus.noarch.rpm"},
		{TypeRPM, "walrus-5.21.noarch.rpm"},
		{TypeSRPM, "walrus-5.21-1.noarch.rpm"},
		{TypeDRPM, "walrus-5.21-1.noarch.rpm"},
		{TypeErratum, "RHSA-2024.xml"},
	} {
		_, err := KeyFromFilename(tc.t, tc.name)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, tc.name)
	}
}
