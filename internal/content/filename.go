package content

import (
	"path/filepath"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
)

// KeyFromFilename derives a unit key from a package file name following the
// name-version-release.arch.rpm convention. Only package types can be
// derived; other types need an explicit key.
func KeyFromFilename(t UnitType, path string) (map[string]string, error) {
	base := filepath.Base(path)
	switch t {
	case TypeDRPM:
		if !strings.HasSuffix(base, ".drpm") {
			return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "%s is not a .drpm file", base)
		}
		return map[string]string{"filename": base}, nil
	case TypeRPM, TypeSRPM:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "a %s unit key cannot be derived from a file name", t)
	}

	stem, ok := strings.CutSuffix(base, ".rpm")
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "%s is not an .rpm file", base)
	}
	dot := strings.LastIndexByte(stem, '.')
	if dot <= 0 {
		return nil, nevraError(base)
	}
	nvr, arch := stem[:dot], stem[dot+1:]
	relDash := strings.LastIndexByte(nvr, '-')
	if relDash <= 0 {
		return nil, nevraError(base)
	}
	verDash := strings.LastIndexByte(nvr[:relDash], '-')
	if verDash <= 0 {
		return nil, nevraError(base)
	}
	name, version, release := nvr[:verDash], nvr[verDash+1:relDash], nvr[relDash+1:]
	if version == "" || release == "" || arch == "" {
		return nil, nevraError(base)
	}
	if t == TypeSRPM && arch != "src" && arch != "nosrc" {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "%s is not a source package", base)
	}

	epoch := "0"
	if e, v, ok := strings.Cut(version, ":"); ok {
		epoch, version = e, v
	}
	return map[string]string{
		"name":    name,
		"epoch":   epoch,
		"version": version,
		"release": release,
		"arch":    arch,
	}, nil
}

func nevraError(base string) error {
	return apperrors.Newf(apperrors.ErrInvalidInput, 0, "%s does not follow name-version-release.arch.rpm", base)
}
