package models

import "github.com/hyperjump/kanshou/internal/errs"

func invalidf(format string, args ...any) error {
	return errs.Invalid(errs.CodeRecordInvalid, format, args...)
}
