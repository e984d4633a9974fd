package repositories

import "errors"

var errDB = errors.New("db error")

func strPtr(s string) *string { return &s }
