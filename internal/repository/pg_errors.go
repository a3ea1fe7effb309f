package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"stock-ledger/internal/models"
)

const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// classify turns a driver error into the ledger's error taxonomy. Check
// constraint failures are reported as invalid quantities; everything else is
// treated as an unavailable store.
func classify(component, action string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqCheckViolation:
			return models.NewBusinessError(models.ErrorCodeInvalidQuantity,
				fmt.Sprintf("%s rejected by constraint %s", action, pqErr.Constraint), nil)
		case pqUniqueViolation:
			return models.NewBusinessError(models.ErrorCodeAlreadyExists,
				fmt.Sprintf("%s violates %s", action, pqErr.Constraint), nil)
		}
	}
	return models.NewStorageError(component, "failed to "+action, err)
}
